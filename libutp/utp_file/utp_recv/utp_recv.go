// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"storj.io/utpcore/libutp/utp_file"
)

var (
	debug      = flag.Bool("debug", false, "Enable debug logging")
	configFile = flag.String("config", "", "YAML file with engine settings")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		_, _ = fmt.Fprintf(os.Stderr, `usage: %s [-debug] [-config file.yaml] listen-addr file-to-write

   listen-addr: address to listen on, in the form [<host>]:<port>
   file-to-write: where to write the received file

`, os.Args[0])
		os.Exit(1)
	}

	startTime := time.Now()

	listenAddr := args[0]
	fileName := args[1]

	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level.SetLevel(zap.InfoLevel)
	if *debug {
		logConfig.Level.SetLevel(-10)
	}
	logConfig.Encoding = "console"
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := logConfig.Build()
	if err != nil {
		panic(err)
	}

	var cfg utp_file.Config
	if *configFile != "" {
		cfg, err = utp_file.LoadConfig(*configFile)
		if err != nil {
			logger.Fatal("could not load config", zap.Error(err))
		}
	}

	logger.Info("listening", zap.String("address", listenAddr))
	logger.Info("saving to file", zap.String("dest-file", fileName))

	destFile, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0664)
	if err != nil {
		logger.Fatal("could not open destination file for writing", zap.Error(err))
	}
	defer func() {
		if err := destFile.Close(); err != nil {
			logger.Fatal("failed to close destination file", zap.Error(err))
		}
	}()

	sock, err := utp_file.MakeSocket(listenAddr)
	if err != nil {
		logger.Fatal("could not listen", zap.String("address", listenAddr), zap.Error(err))
	}
	sm, err := utp_file.NewUDPSocketManager(zapr.NewLogger(logger), cfg)
	if err != nil {
		logger.Fatal("could not create socket manager", zap.Error(err))
	}
	sm.SetSocket(sock)
	defer func() {
		if err := sm.Close(); err != nil {
			logger.Error("failed to close socket manager", zap.Error(err))
		}
	}()

	fr := utp_file.NewFileReceiver(sm, destFile, zapr.NewLogger(logger).WithName("receiver"))

	lastRecv := 0
	lastTime := time.Now()

	for !fr.Done {
		err := sm.Select(50 * time.Millisecond)
		if err != nil {
			logger.Fatal("failed to run select", zap.Error(err))
		}
		sm.CheckTimeouts()
		curTime := time.Now()
		if curTime.After(lastTime.Add(time.Second)) {
			rate := float64(fr.TotalRecv-lastRecv) / curTime.Sub(lastTime).Seconds()
			lastRecv = fr.TotalRecv
			lastTime = curTime
			fmt.Printf("\r[%d] recv: %d  %.1f bytes/s  ", curTime.Sub(startTime).Milliseconds(), fr.TotalRecv, rate)
		}
	}

	fmt.Printf("\nreceived: %d bytes\n", fr.TotalRecv)
	if fr.Err != nil {
		logger.Error("transfer failed", zap.Error(fr.Err))
	}
}
