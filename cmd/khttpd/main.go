// Command khttpd runs a demonstration khttp server.
package main

import (
	"bytes"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/karlivory/khttp/pkg/khttp/http11"
	"github.com/karlivory/khttp/pkg/khttp/server"
	"github.com/karlivory/khttp/pkg/khttp/socket"
)

var (
	flagAddr     string
	flagThreads  int
	flagHeadSize int
	flagReadBuf  int
	flagMaxConns int
	flagEpoll    bool
	flagVerbose  bool
)

func main() {
	root := &cobra.Command{
		Use:   "khttpd",
		Short: "A demonstration HTTP/1.1 server built on khttp",
		RunE:  run,
	}
	root.Flags().StringVarP(&flagAddr, "addr", "a", ":8080", "listen address")
	root.Flags().IntVarP(&flagThreads, "threads", "t", 20, "worker thread count")
	root.Flags().IntVar(&flagHeadSize, "max-head", http11.DefaultMaxHeadSize, "request head byte ceiling")
	root.Flags().IntVar(&flagReadBuf, "read-buffer", http11.DefaultReadBufferSize, "per-connection read buffer size")
	root.Flags().IntVar(&flagMaxConns, "max-conns", 0, "concurrent connection limit (0 = unlimited)")
	root.Flags().BoolVar(&flagEpoll, "epoll", false, "use the readiness-driven scheduler (linux only)")
	root.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	if flagVerbose {
		log.SetLevel(logrus.DebugLevel)
	}

	tuning := socket.DefaultConfig()

	b := server.New().
		ThreadCount(flagThreads).
		MaxRequestHeadSize(flagHeadSize).
		ReadBufferSize(flagReadBuf).
		MaxConns(flagMaxConns).
		Logger(log).
		ConnectionSetup(func(conn net.Conn) (net.Conn, bool) {
			_ = socket.Apply(conn, tuning)
			return conn, true
		}).
		Route(http11.MethodGET, "/", func(ctx *server.RequestContext, res *server.ResponseHandle) error {
			return res.OK(http11.NewHeaders("Content-Type", "text/plain"), []byte("khttp\n"))
		}).
		Route(http11.MethodGET, "/user/:id", func(ctx *server.RequestContext, res *server.ResponseHandle) error {
			id, _ := ctx.Param("id")
			return res.OK(http11.NewHeaders("Content-Type", "text/plain"), id)
		}).
		Route(http11.MethodPOST, "/uppercase", func(ctx *server.RequestContext, res *server.ResponseHandle) error {
			body, err := ctx.Body().Bytes(1 << 20)
			if err != nil {
				return res.Send0(http11.StatusPayloadTooLarge, http11.Empty())
			}
			return res.OK(http11.Empty(), bytes.ToUpper(body))
		}).
		Route(http11.MethodGET, "/static/**", func(ctx *server.RequestContext, res *server.ResponseHandle) error {
			rest, _ := ctx.Param("*")
			return res.OK(http11.NewHeaders("Content-Type", "text/plain"), rest)
		})

	if flagEpoll {
		b.EpollScheduler(flagThreads)
	}

	srv := b.Build()
	log.WithField("addr", flagAddr).Info("khttpd listening")
	return srv.ListenAndServe(flagAddr)
}
