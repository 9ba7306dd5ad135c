// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"flag"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/gorilla/handlers"

	"github.com/uofuseismo/uwaveserver/internal/api"
	"github.com/uofuseismo/uwaveserver/internal/config"
	"github.com/uofuseismo/uwaveserver/internal/feed"
	"github.com/uofuseismo/uwaveserver/internal/runtimeEnv"
	"github.com/uofuseismo/uwaveserver/internal/waveform/admission"
	"github.com/uofuseismo/uwaveserver/internal/waveform/credentials"
	"github.com/uofuseismo/uwaveserver/internal/waveform/pipeline"
	"github.com/uofuseismo/uwaveserver/internal/waveform/reader"
	"github.com/uofuseismo/uwaveserver/internal/waveform/registry"
	"github.com/uofuseismo/uwaveserver/internal/waveform/writer"
	"github.com/uofuseismo/uwaveserver/pkg/log"
)

func main() {
	var flagGops bool
	var flagConfigFile string
	var flagUser, flagGroup string
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Path to the JSON configuration file")
	flag.StringVar(&flagUser, "user", "", "Drop to this user once the listener is bound")
	flag.StringVar(&flagGroup, "group", "", "Drop to this group once the listener is bound")
	flag.Parse()

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	if err := runtimeEnv.LoadEnv("./.env"); err != nil && !os.IsNotExist(err) {
		log.Fatalf("parsing './.env' file failed: %s", err.Error())
	}

	cfg, err := config.Load(flagConfigFile)
	if err != nil {
		log.Fatal(err)
	}

	creds, err := cfg.Database.Credentials()
	if err != nil {
		log.Fatal(err)
	}
	conn, err := credentials.Connect(creds)
	if err != nil {
		log.Fatalf("connecting to database failed: %s", err.Error())
	}
	db := conn.DB()

	reg := registry.New(db, cfg.Database.Schema)
	if err := reg.Load(); err != nil {
		log.Fatalf("loading stream registry failed: %s", err.Error())
	}

	admissionCfg, logInterval, err := cfg.Admission.Filter()
	if err != nil {
		log.Fatal(err)
	}
	filter := admission.New(admissionCfg)
	go func() {
		for range time.Tick(logInterval) {
			for _, name := range filter.Names() {
				counts := filter.RejectedSetsFor(name).Drain()
				if len(counts) > 0 {
					log.Infof("admission: %s rejected=%v", name, counts)
				}
			}
		}
	}()

	writerCfg, err := cfg.WriterConfig()
	if err != nil {
		log.Fatal(err)
	}
	w := writer.New(db, reg, writerCfg, creds)
	rd := reader.New(db, reg)

	pl := pipeline.New(filter, w, pipeline.Config{QueueCapacity: cfg.Feed.MaxQueueSize})
	ctx, cancel := context.WithCancel(context.Background())
	pl.Start(ctx)

	driver := feed.NewNATSDriver(cfg.Feed.Driver())
	driver.SetCallback(pl.Ingest)
	if err := driver.Connect(); err != nil {
		log.Fatalf("connecting to feed failed: %s", err.Error())
	}
	if err := driver.Start(); err != nil {
		log.Fatalf("starting feed driver failed: %s", err.Error())
	}

	a := &api.API{Reader: rd}
	r := a.NewRouter()
	r.Use(handlers.CompressHandler)
	r.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))
	r.Use(handlers.CORS(
		handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type", "Authorization", "Origin"}),
		handlers.AllowedMethods([]string{"GET", "OPTIONS"}),
		handlers.AllowedOrigins([]string{"*"})))
	loggedHandler := handlers.CustomLoggingHandler(io.Discard, r, func(_ io.Writer, params handlers.LogFormatterParams) {
		log.Infof("%s %s (%d, %.02fkb, %dms)",
			params.Request.Method, params.URL.RequestURI(),
			params.StatusCode, float32(params.Size)/1024,
			time.Since(params.TimeStamp).Milliseconds())
	})

	addr := cfg.Server.Addr()
	server := http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      loggedHandler,
		Addr:         addr,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal(err)
	}

	if err := runtimeEnv.DropPrivileges(flagUser, flagGroup); err != nil {
		log.Fatalf("error while changing user: %s", err.Error())
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("HTTP server listening at %s...", addr)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	wg.Add(1)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer wg.Done()
		<-sigs
		runtimeEnv.SystemdNotifiy(false, "shutting down")

		server.Shutdown(context.Background())
		driver.Stop()
		cancel()
		pl.Stop()
	}()

	runtimeEnv.SystemdNotifiy(true, "running")
	wg.Wait()
	log.Print("Gracefull shutdown completed!")
}
