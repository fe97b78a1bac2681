package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"pkt.systems/pslog"
)

// envLogLevel overrides the default level unless --log-level is given.
const envLogLevel = "LOG_LEVEL"

type logSettings struct {
	structured bool
	caller     bool
	level      string
	// explicit marks a level that must win over the environment.
	explicit bool
}

func logSettingsFromFlags(flags *pflag.FlagSet) logSettings {
	var s logSettings
	s.structured, _ = flags.GetBool("structured")
	s.caller, _ = flags.GetBool("log-caller")
	s.level, _ = flags.GetString("log-level")
	s.explicit = flagChanged(flags, "log-level")
	return s
}

func (s logSettings) build(w io.Writer) (pslog.Logger, error) {
	if w == nil {
		w = os.Stdout
	}
	opts := pslog.Options{CallerKeyval: s.caller}
	if s.structured {
		opts.Mode = pslog.ModeStructured
	}
	logger := pslog.NewWithOptions(w, opts).LogLevel(pslog.InfoLevel)

	lvl, ok := pslog.ParseLevel(s.level)
	switch {
	case s.explicit && !ok:
		return nil, fmt.Errorf("unknown level %q", s.level)
	case s.explicit:
		return logger.LogLevel(lvl), nil
	}
	if envLvl, found := pslog.LevelFromEnv(envLogLevel); found {
		return logger.LogLevel(envLvl), nil
	}
	if ok {
		return logger.LogLevel(lvl), nil
	}
	return logger, nil
}

func flagChanged(flags *pflag.FlagSet, name string) bool {
	f := flags.Lookup(name)
	return f != nil && f.Changed
}
