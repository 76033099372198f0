// Package kfmt implements the kernel console: formatted output, the early
// boot buffer that captures output before a console is attached, the panic
// banner and the structured per-module logger.
package kfmt

import (
	"fmt"
	"io"

	"github.com/PitiBouchon/magic-os/kernel/sync"
)

var (
	// earlyPrintBuffer is a ring buffer that stores console output before
	// an output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where console output is sent. If set to nil,
	// then the output is redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// consoleLock serializes writes from multiple harts.
	consoleLock sync.Spinlock
)

// console is the io.Writer returned by GetOutputSink.
type console struct{}

func (console) Write(p []byte) (int, error) {
	consoleLock.Acquire()
	defer consoleLock.Release()

	if outputSink == nil {
		return earlyPrintBuffer.Write(p)
	}
	return outputSink.Write(p)
}

// SetOutputSink sets the default target for console output to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	consoleLock.Acquire()
	defer consoleLock.Release()

	outputSink = w
	if w != nil {
		earlyPrintBuffer.WriteTo(w)
	}
}

// GetOutputSink returns a writer for the kernel console. Writes are routed to
// the sink registered via SetOutputSink or buffered until one is attached.
func GetOutputSink() io.Writer {
	return console{}
}

// ModuleWriter returns a writer for the kernel console that prefixes each
// line with "[module] ".
func ModuleWriter(module string) io.Writer {
	return &PrefixWriter{Sink: console{}, Prefix: []byte("[" + module + "] ")}
}

// Printf formats according to a format specifier and writes to the kernel
// console.
func Printf(format string, args ...interface{}) {
	Fprintf(console{}, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, format, args...)
}
