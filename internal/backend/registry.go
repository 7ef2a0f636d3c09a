package backend

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/rpxy-go/rpxy/internal/caddyutil"
	"github.com/rpxy-go/rpxy/internal/namekey"
)

var log = caddyutil.Named("log.backend")

// App is one configured virtual host: its canonical server name,
// path router, and TLS policy flags. Grounded on BackendApp in
// backend_main.rs.
type App struct {
	Name             string
	ServerName       namekey.ServerName
	Paths            *PathManager
	HTTPSRedirection bool
	MutualTLS        bool
}

// AppConfig is the external description one App is built from.
type AppConfig struct {
	AppName          string
	ServerName       string
	Routes           []RouteConfig
	HTTPSRedirection bool
	MutualTLS        bool
}

// NewApp builds an App from AppConfig, mirroring
// BackendApp::try_from(&AppConfig) in backend_main.rs.
func NewApp(cfg AppConfig) (*App, error) {
	paths, err := NewPathManager(cfg.ServerName, cfg.Routes)
	if err != nil {
		return nil, err
	}
	return &App{
		Name:             cfg.AppName,
		ServerName:       namekey.NewServerName(cfg.ServerName),
		Paths:            paths,
		HTTPSRedirection: cfg.HTTPSRedirection,
		MutualTLS:        cfg.MutualTLS,
	}, nil
}

// Registry maps server name to App and optionally designates a
// default App for plaintext HTTP requests whose Host matches no
// configured name (spec.md §4.3). Grounded on BackendAppManager in
// backend_main.rs.
type Registry struct {
	apps              map[string]*App
	defaultServerName string
	hasDefault        bool
}

// NewRegistry builds a Registry from a list of AppConfigs plus the
// name of the application that should answer unmatched plaintext HTTP
// requests (empty ⇒ no default, such requests fail with 503).
func NewRegistry(configs []AppConfig, defaultAppName string) (*Registry, error) {
	r := &Registry{apps: make(map[string]*App, len(configs))}

	for _, cfg := range configs {
		app, err := NewApp(cfg)
		if err != nil {
			return nil, err
		}
		r.apps[app.ServerName.String()] = app
		log.Info("registering application",
			zap.String("server_name", cfg.ServerName), zap.String("app_name", cfg.AppName))
	}

	if defaultAppName != "" {
		for _, app := range r.apps {
			if app.Name == defaultAppName {
				r.defaultServerName = app.ServerName.String()
				r.hasDefault = true
				log.Info("serving plaintext http for unmatched hosts",
					zap.String("app_name", defaultAppName), zap.String("server_name", app.ServerName.String()))
				break
			}
		}
		if !r.hasDefault {
			return nil, fmt.Errorf("backend: default_app %q does not match any registered application", defaultAppName)
		}
	}

	return r, nil
}

// Get resolves a server name to its App.
func (r *Registry) Get(serverName string) (*App, bool) {
	app, ok := r.apps[namekey.NewServerName(serverName).String()]
	return app, ok
}

// Default returns the App designated to answer plaintext HTTP
// requests whose Host matched nothing, if one was configured.
func (r *Registry) Default() (*App, bool) {
	if !r.hasDefault {
		return nil, false
	}
	return r.Get(r.defaultServerName)
}
