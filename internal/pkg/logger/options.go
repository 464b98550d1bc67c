package logger

import "strings"

// Options controls the global logger built by Init.
type Options struct {
	Level       string
	Format      string // "json" or "console"
	ServiceName string
	NodeID      string
	Caller      bool
	ToStdout    bool
	FilePath    string // empty disables file output
	Rotation    RotationOptions
}

// RotationOptions configures lumberjack rotation for the file core.
type RotationOptions struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func (o Options) normalized() Options {
	out := o
	out.Level = strings.ToLower(strings.TrimSpace(out.Level))
	if out.Level == "" {
		out.Level = "info"
	}
	out.Format = strings.ToLower(strings.TrimSpace(out.Format))
	if out.Format == "" {
		out.Format = "json"
	}
	out.ServiceName = strings.TrimSpace(out.ServiceName)
	if out.ServiceName == "" {
		out.ServiceName = "biblionet"
	}
	out.FilePath = strings.TrimSpace(out.FilePath)
	if !out.ToStdout && out.FilePath == "" {
		out.ToStdout = true
	}
	if out.Rotation.MaxSizeMB <= 0 {
		out.Rotation.MaxSizeMB = 100
	}
	if out.Rotation.MaxBackups < 0 {
		out.Rotation.MaxBackups = 10
	}
	if out.Rotation.MaxAgeDays < 0 {
		out.Rotation.MaxAgeDays = 7
	}
	return out
}
