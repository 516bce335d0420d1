package models

import "time"

// TerminalSession is a PTY-backed shell channel.
type TerminalSession struct {
	ID                 string
	ConnectionID       string
	Rows               int
	Cols               int
	Term               string
	IsActive           bool
	StartTime          time.Time
	LastActivity       time.Time
	SudoPasswordPrompt bool
}

const (
	DefaultRows = 24
	DefaultCols = 80
	DefaultTerm = "xterm-256color"
)
