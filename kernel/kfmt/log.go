package kfmt

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// moduleField is the logrus field that carries the name of the kernel module
// that emitted an entry.
const moduleField = "module"

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(console{})
	l.SetFormatter(moduleFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Log returns a structured logger for the named kernel module. Entries are
// written to the kernel console as "[module] message key=value ...".
func Log(module string) *logrus.Entry {
	return logger.WithField(moduleField, module)
}

// SetLogLevel sets the minimum level for entries emitted through Log. The
// level is one of the logrus level names (e.g. "debug", "info", "warn").
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(lvl)
	return nil
}

// moduleFormatter renders entries in the same layout as the console output
// of the kernel modules.
type moduleFormatter struct{}

func (moduleFormatter) Format(e *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer

	module, _ := e.Data[moduleField].(string)
	if module == "" {
		module = "kernel"
	}
	b.WriteString("[" + module + "] ")

	if e.Level != logrus.InfoLevel {
		b.WriteString(strings.ToUpper(e.Level.String()) + " ")
	}
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		if k != moduleField {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}
