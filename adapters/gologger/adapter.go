package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// Loggers is one resolved logger seen through both the glog and the go-job
// contracts.
type Loggers struct {
	Name        string
	Provider    glog.LoggerProvider
	Logger      glog.Logger
	JobProvider job.LoggerProvider
	JobLogger   job.Logger
}

// Resolve picks provider over logger over nop and bridges the result for
// go-job workers.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) Loggers {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "calendar-links"
	}
	resolvedProvider, resolvedLogger := glog.Resolve(name, provider, logger)
	out := Loggers{
		Name:     name,
		Provider: resolvedProvider,
		Logger:   resolvedLogger,
	}
	if resolvedProvider != nil {
		out.JobProvider = job.GoLoggerProvider(resolvedProvider)
	}
	if resolvedLogger != nil {
		out.JobLogger = job.GoLogger(resolvedLogger)
	}
	return out
}

// Named returns the logger for a component, e.g. "api" becomes
// "calendar-links.api".
func (l Loggers) Named(component string) glog.Logger {
	component = strings.TrimSpace(component)
	if l.Provider == nil {
		return glog.Ensure(l.Logger)
	}
	if component == "" {
		return glog.Ensure(l.Provider.GetLogger(l.Name))
	}
	return glog.Ensure(l.Provider.GetLogger(l.Name + "." + component))
}
