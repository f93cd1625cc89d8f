package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"

	vc "github.com/linnemanlabs/frontdesk/internal/cfg"
)

const envPrefix = "FRONTDESK_"

// settings groups the desk's own flags with the go-core library configs.
type settings struct {
	app    vc.Config
	http   httpserver.Config
	httpmw httpmw.Config
	log    log.Config
	ops    opshttp.Config
	prof   prof.Config
	trace  otelx.Config

	showVersion bool
}

func (s *settings) register(fs *flag.FlagSet) {
	s.app.RegisterFlags(fs)
	s.http.RegisterFlags(fs)
	s.httpmw.RegisterFlags(fs)
	s.log.RegisterFlags(fs)
	s.ops.RegisterFlags(fs)
	s.prof.RegisterFlags(fs)
	s.trace.RegisterFlags(fs)
	fs.BoolVar(&s.showVersion, "V", false, "Print version+build information and exit")
}

// loadSettings parses args, then fills anything left unset from FRONTDESK_*
// environment variables (flags win), then validates. Validation is skipped
// when only the version was requested.
func loadSettings(fs *flag.FlagSet, args []string, warn io.Writer) (*settings, error) {
	s := &settings{}
	s.register(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if s.showVersion {
		return s, nil
	}

	cfg.FillFromEnv(fs, envPrefix, func(format string, a ...any) {
		_, _ = fmt.Fprintf(warn, format+"\n", a...)
	})

	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return s, nil
}

func (s *settings) validate() error {
	return errors.Join(
		s.app.Validate(),
		s.http.Validate(),
		s.httpmw.Validate(),
		s.log.Validate(),
		s.ops.Validate(),
		s.prof.Validate(),
		s.trace.Validate(),
		checkPorts(s.app.APIPort, s.ops.Port),
	)
}

// checkPorts rejects a desk API port that collides with the ops listener.
func checkPorts(api, ops int) error {
	if api == ops {
		return fmt.Errorf("http and admin ports must differ (both %d)", api)
	}
	return nil
}
