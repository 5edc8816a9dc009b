/*
Package common holds the pieces shared by every stage of the pipeline:
logger setup and the process exit codes.
*/
package common

import (
	"github.com/phuslu/log"
)

// ERR Is the exit Code 1.
const ERR = 1

// OK Is the exit Code 0.
const OK = 0

/*
InitLogger configures the process-wide logger. Verbose switches the
level down to debug, everything else stays at info.
*/
func InitLogger(verbose bool) {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}

	log.DefaultLogger = log.Logger{
		Level:      level,
		TimeFormat: "15:04:05",
		Writer: &log.ConsoleWriter{
			ColorOutput:    true,
			EndWithMessage: true,
		},
	}
}
