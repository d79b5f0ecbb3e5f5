package main

import (
	"crypto/tls"
	"log"
	"os"

	"github.com/goburrow/quince"
	"github.com/goburrow/quince/transport"
	"github.com/spf13/cobra"
)

var serverFlags struct {
	listen   string
	cert     string
	key      string
	logLevel int
	metrics  string
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a QUIC server that echoes received stream data",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	f := serverCmd.Flags()
	f.StringVar(&serverFlags.listen, "listen", "0.0.0.0:4433", "listen on the given IP:port")
	f.StringVar(&serverFlags.cert, "cert", "", "TLS certificate file (required)")
	f.StringVar(&serverFlags.key, "key", "", "TLS private key file (required)")
	f.IntVar(&serverFlags.logLevel, "v", 2, "log verbose: 0=off 1=error 2=info 3=debug 4=trace")
	f.StringVar(&serverFlags.metrics, "metrics-listen", "", "serve Prometheus metrics on the given IP:port (disabled if empty)")
	serverCmd.MarkFlagRequired("cert")
	serverCmd.MarkFlagRequired("key")
}

func runServer() error {
	cert, err := tls.LoadX509KeyPair(serverFlags.cert, serverFlags.key)
	if err != nil {
		return err
	}
	config := quic.NewConfig()
	config.TLS.Certificates = []tls.Certificate{cert}
	handler := &echoHandler{}
	server := quic.NewServer(config)
	server.SetHandler(handler)
	server.SetLogger(serverFlags.logLevel, os.Stdout)
	if serverFlags.metrics != "" {
		if err := server.ServeMetrics(serverFlags.metrics); err != nil {
			return err
		}
		log.Printf("metrics listening on %s", serverFlags.metrics)
	}
	log.Printf("listening on %s", serverFlags.listen)
	if err := server.ListenAndServe(serverFlags.listen); err != nil {
		return err
	}
	select {}
}

type echoHandler struct{}

func (h *echoHandler) Serve(c quic.Conn, events []transport.Event) {
	for _, e := range events {
		switch e.Type {
		case quic.EventConnAccept:
			log.Printf("%s: connected", c.RemoteAddr())
		case transport.EventStream:
			st := c.Stream(e.StreamID)
			if st == nil {
				continue
			}
			buf := make([]byte, 4096)
			n, _ := st.Read(buf)
			if n > 0 {
				_, _ = st.Write(buf[:n])
			}
		case quic.EventConnClose:
			log.Printf("%s: closed", c.RemoteAddr())
		}
	}
}
