package main

import "time"

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath  string
	ResourceDir string
	Binary      string
}

// RunFlags are overrides applied on top of the config file.
type RunFlags struct {
	Port     int
	Listen   string
	LogLevel string
	NoLock   bool
}

// ClientFlags select the control API of a running shell.
type ClientFlags struct {
	APIUrl     string
	APITimeout time.Duration
}
