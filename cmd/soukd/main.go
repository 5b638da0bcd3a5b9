package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/goccy/go-yaml"
	"github.com/google/renameio"
	log "github.com/sirupsen/logrus"

	"github.com/anlambert/breezy/souk"
)

func init() {
	if os.Getenv("DEBUG") == "1" {
		log.SetLevel(log.DebugLevel)
	}
}

var usage = `soukd - serve a directory tree over the smart protocol

Usage:
  soukd [-c FILE] [-H HOST] [-p PORT] [-r DIR] [--pidfile FILE]

Options:
  -c FILE         YAML config file
  -H HOST         address to listen on (default 127.0.0.1)
  -p PORT         tcp port to listen on (default 4155)
  -r DIR          directory to serve (default .)
  --pidfile FILE  write the process id to FILE

Flags override the config file.
`

type Opts struct {
	Config  string `docopt:"-c"`
	Host    string `docopt:"-H"`
	Port    string `docopt:"-p"`
	Root    string `docopt:"-r"`
	Pidfile string `docopt:"--pidfile"`
}

// Config is the YAML daemon configuration.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Root     string `yaml:"root"`
	LogLevel string `yaml:"loglevel"`
	Pidfile  string `yaml:"pidfile"`
}

func loadConfig(opts Opts) (cfg Config, err error) {
	cfg = Config{
		Host:     "127.0.0.1",
		Port:     souk.DefaultPort,
		Root:     ".",
		LogLevel: "info",
	}
	if opts.Config != "" {
		buf, err := os.ReadFile(opts.Config)
		if err != nil {
			return cfg, err
		}
		err = yaml.Unmarshal(buf, &cfg)
		if err != nil {
			return cfg, err
		}
	}
	if opts.Host != "" {
		cfg.Host = opts.Host
	}
	if opts.Port != "" {
		cfg.Port, err = strconv.Atoi(opts.Port)
		if err != nil {
			return cfg, fmt.Errorf("invalid port %q", opts.Port)
		}
	}
	if opts.Root != "" {
		cfg.Root = opts.Root
	}
	if opts.Pidfile != "" {
		cfg.Pidfile = opts.Pidfile
	}
	return cfg, nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("soukd: %v", err)
	}
}

func run(argv []string) (err error) {
	parsed, err := docopt.ParseArgs(usage, argv, "")
	if err != nil {
		return err
	}
	var opts Opts
	err = parsed.Bind(&opts)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	store, err := souk.NewDirStore(cfg.Root)
	if err != nil {
		return err
	}
	srv, err := souk.NewTCPServer(store, fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return err
	}

	if cfg.Pidfile != "" {
		pid := strconv.Itoa(os.Getpid()) + "\n"
		err = renameio.WriteFile(cfg.Pidfile, []byte(pid), 0644)
		if err != nil {
			return err
		}
		defer os.Remove(cfg.Pidfile)
	}

	srv.Start()
	log.Infof("serving %s on %s", store.Dir, srv.URL())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	srv.Stop()
	return nil
}
