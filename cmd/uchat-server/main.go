package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/vldKasatonov/UChat-sub000/internal/config"
	"github.com/vldKasatonov/UChat-sub000/internal/server"
	"github.com/vldKasatonov/UChat-sub000/internal/store"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [-config file] <port>\n", os.Args[0])
	os.Exit(2)
}

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
	}
	port, err := strconv.Atoi(flag.Arg(0))
	if err != nil || port < 1 || port > 65535 {
		usage()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	tlsConf, err := cfg.TLS.ServerTLS()
	if err != nil {
		log.Fatalf("TLS setup failed: %v", err)
	}

	var st store.Store
	if cfg.MySQLDSN != "" {
		mysqlStore, err := store.OpenMySQL(cfg.MySQLDSN)
		if err != nil {
			log.Fatalf("MySQL connection failed: %v", err)
		}
		st = mysqlStore
	} else {
		log.Printf("No mysql.dsn configured, using in-memory store")
		st = store.NewMemory()
	}

	srv := server.New(server.Config{
		Addr:           fmt.Sprintf(":%d", port),
		TLS:            tlsConf,
		RequestTimeout: cfg.RequestTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}, st)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		log.Printf("Starting server on port %d...", port)
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("Received signal %v, shutting down...", sig)
		srv.Stop()
	}

	log.Println("Server stopped")
}
