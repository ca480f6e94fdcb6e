// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"flag"
	"fmt"
	"io"
	"net"
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
		_, _ = fmt.Fprintf(os.Stderr, `usage: %s [-debug] [-config file.yaml] dest-addr file-to-send

   dest-addr: destination node to connect to, in the form <host>:<port>
   file-to-send: the file to upload

`, os.Args[0])
		os.Exit(1)
	}

	startTime := time.Now()

	dest := args[0]
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

	logger.Info("connecting", zap.String("dest-addr", dest))
	logger.Info("sending", zap.String("source-file", fileName))

	dataFile, err := os.Open(fileName)
	if err != nil {
		logger.Fatal("failed to open source", zap.Error(err))
	}
	fileSize, err := dataFile.Seek(0, io.SeekEnd)
	if err != nil {
		logger.Fatal("could not determine size of input size", zap.Error(err))
	}
	if _, err := dataFile.Seek(0, io.SeekStart); err != nil {
		logger.Fatal("could not seek to beginning of file", zap.Error(err))
	}
	if fileSize == 0 {
		logger.Fatal("file is 0 bytes")
	}

	sock, err := utp_file.MakeSocket(":0")
	if err != nil {
		logger.Fatal("failed to make socket", zap.Error(err))
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

	udpAddr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		logger.Fatal("could not resolve destination", zap.String("dest", dest), zap.Error(err))
	}
	fs, err := utp_file.NewFileSender(sm, udpAddr, dataFile, zapr.NewLogger(logger).WithName("sender"))
	if err != nil {
		logger.Fatal("could not connect", zap.Stringer("dest-addr", udpAddr), zap.Error(err))
	}

	lastSent := 0
	lastTime := time.Now()

	for !fs.Done {
		err := sm.Select(50 * time.Millisecond)
		if err != nil {
			logger.Fatal("failed to run Select()", zap.Error(err))
		}
		sm.CheckTimeouts()
		curTime := time.Now()
		if curTime.After(lastTime.Add(time.Second)) {
			rate := float64(fs.TotalSent-lastSent) / curTime.Sub(lastTime).Seconds()
			lastSent = fs.TotalSent
			lastTime = curTime
			fmt.Printf("\r[%d] sent: %d/%d  %.1f bytes/s  ", curTime.Sub(startTime).Milliseconds(), fs.TotalSent, fileSize, rate)
		}
	}

	fmt.Printf("\nsent: %d bytes\n", fs.TotalSent)
	if fs.Err != nil {
		logger.Error("transfer failed", zap.Error(fs.Err))
	}
}
