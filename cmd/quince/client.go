package main

import (
	"log"
	"os"
	"strings"
	"sync"

	"github.com/goburrow/quince"
	"github.com/goburrow/quince/transport"
	"github.com/spf13/cobra"
)

var clientFlags struct {
	listen   string
	insecure bool
	data     string
	logLevel int
}

var clientCmd = &cobra.Command{
	Use:   "client <address>",
	Short: "Connect to a QUIC server and send data on stream 4",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runClient(args[0])
	},
}

func init() {
	f := clientCmd.Flags()
	f.StringVar(&clientFlags.listen, "listen", "0.0.0.0:0", "listen on the given IP:port")
	f.BoolVar(&clientFlags.insecure, "insecure", false, "skip verifying server certificate")
	f.StringVar(&clientFlags.data, "data", "GET /\r\n", "data to send on connect")
	f.IntVar(&clientFlags.logLevel, "v", 2, "log verbose: 0=off 1=error 2=info 3=debug 4=trace")
}

func runClient(addr string) error {
	config := quic.NewConfig()
	config.TLS.ServerName = serverName(addr)
	config.TLS.InsecureSkipVerify = clientFlags.insecure
	handler := clientHandler{data: clientFlags.data}
	client := quic.NewClient(config)
	client.SetHandler(&handler)
	client.SetLogger(clientFlags.logLevel, os.Stdout)
	if err := client.ListenAndServe(clientFlags.listen); err != nil {
		return err
	}
	handler.wg.Add(1)
	if err := client.Connect(addr); err != nil {
		return err
	}
	handler.wg.Wait()
	return client.Close()
}

type clientHandler struct {
	wg   sync.WaitGroup
	data string
}

func (s *clientHandler) Serve(c quic.Conn, events []transport.Event) {
	for _, e := range events {
		log.Printf("%s connection event: %v", c.RemoteAddr(), e.Type)
		switch e.Type {
		case quic.EventConnAccept:
			st := c.Stream(4)
			_, _ = st.Write([]byte(s.data))
			_ = st.Close()
		case transport.EventStream:
			st := c.Stream(e.StreamID)
			if st != nil {
				buf := make([]byte, 512)
				n, _ := st.Read(buf)
				log.Printf("stream %d received:\n%s", e.StreamID, buf[:n])
			}
		case quic.EventConnClose:
			s.wg.Done()
		}
	}
}

func serverName(s string) string {
	colon := strings.LastIndex(s, ":")
	if colon > 0 {
		bracket := strings.LastIndex(s, "]")
		if colon > bracket {
			return s[:colon]
		}
	}
	return s
}
