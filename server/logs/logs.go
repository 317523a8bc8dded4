/******************************************************************************
 *
 *  Description :
 *    Package exposes info, warning and error loggers.
 *
 *****************************************************************************/
package logs

import (
	"io"
	"log"
	"os"
)

var (
	// Info is the logger for informational messages.
	Info *log.Logger
	// Warn is the logger for recoverable problems.
	Warn *log.Logger
	// Err is the logger for errors.
	Err *log.Logger
)

func init() {
	Init(os.Stderr, log.LstdFlags|log.Lshortfile)
}

// Init redirects all loggers to the given writer with the given flags.
func Init(out io.Writer, flags int) {
	Info = log.New(out, "I", flags)
	Warn = log.New(out, "W", flags)
	Err = log.New(out, "E", flags)
}
