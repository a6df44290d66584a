// Command workflow-engine serves the engine's HTTP surface:
// submit/status/messages/errors/delete/artifact/list/download over the
// workflow execution engine.
package main

import (
	"flag"
	"fmt"

	"github.com/cyverse-de/go-mod/cfg"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/labstack/echo/v4"

	"github.com/cyverse-de/workflow-engine/common"
	"github.com/cyverse-de/workflow-engine/config"
	"github.com/cyverse-de/workflow-engine/crypt"
	"github.com/cyverse-de/workflow-engine/httpapi"
	"github.com/cyverse-de/workflow-engine/index"
	"github.com/cyverse-de/workflow-engine/registry"
	"github.com/cyverse-de/workflow-engine/resolver"
	"github.com/cyverse-de/workflow-engine/runner"
	"github.com/cyverse-de/workflow-engine/store"
	"github.com/cyverse-de/workflow-engine/workdir"
)

var log = common.Log

func main() {
	var (
		configPath = flag.String("config", cfg.DefaultConfigPath, "Path to the config file")
		dotEnvPath = flag.String("dotenv-path", cfg.DefaultDotEnvPath, "Path to the dotenv file")
		envPrefix  = flag.String("env-prefix", cfg.DefaultEnvPrefix, "The prefix for environment variables")
		logLevel   = flag.String("log-level", "info", "One of trace, debug, info, warn, error, fatal, or panic")
	)
	flag.Parse()

	common.SetupLogging(*logLevel)

	settings, err := config.Load(config.Options{ConfigPath: *configPath, DotEnvPath: *dotEnvPath, EnvPrefix: *envPrefix})
	if err != nil {
		log.Fatal(err)
	}

	wd, err := workdir.New(settings.WorkingFolder)
	if err != nil {
		log.Fatal(err)
	}

	reg := registry.New()
	res := resolver.New(resolver.NewHandlerRegistry())
	run := runner.FromEnv(settings.UseSCIFWorkflow)

	var idx store.Index
	if settings.DatabaseURI != "" {
		db, err := sqlx.Connect("postgres", settings.DatabaseURI)
		if err != nil {
			log.Fatal(err)
		}
		defer db.Close()
		if _, err := db.Exec(index.Schema); err != nil {
			log.Fatal(err)
		}
		idx = index.New(db)
	}

	s := store.New(wd, settings.WorkingFolder, res, reg, run, idx)

	cryptoSalt := crypt.AdjustSalt(settings.SaltValue)
	c, err := crypt.New(cryptoSalt)
	if err != nil {
		log.Fatal(err)
	}

	e := echo.New()
	httpapi.NewHandlers(s, c).RegisterRoutes(e)

	log.Infof("listening on port %d", settings.ListenPort)
	log.Fatal(e.Start(fmt.Sprintf(":%d", settings.ListenPort)))
}
