// Command ss-local runs the local Shadowsocks endpoint: a SOCKS5 front end
// that tunnels connections to a remote endpoint over an encrypted channel.
package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/op/go-logging"

	"github.com/ocfbnj/ssgo/acl"
	"github.com/ocfbnj/ssgo/config"
	"github.com/ocfbnj/ssgo/local"
	"github.com/ocfbnj/ssgo/shadowsocks"
)

var log = logging.MustGetLogger("ss-local")

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	configureLogging(cfg.LogLevel)

	var rules *acl.ACL
	if cfg.ACLPath != "" {
		rules, err = acl.Load(cfg.ACLPath)
		if err != nil {
			log.Fatalf("failed to load ACL: %v", err)
		}
	}

	cipher, err := shadowsocks.NewCipher(cfg.Method, cfg.Password)
	if err != nil {
		log.Fatalf("failed to construct cipher: %v", err)
	}
	client := shadowsocks.NewClient(cfg.RemoteAddr, cipher)

	tcpAddr, err := net.ResolveTCPAddr("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatalf("failed to resolve listen_addr: %v", err)
	}
	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		log.Fatalf("failed to bind SOCKS5 listener: %v", err)
	}
	log.Infof("local endpoint listening on %v", listener.Addr())

	server := local.NewServer(listener, client, rules, cfg.IdleTimeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		server.Stop()
	}()

	server.Start()
}

func configureLogging(level string) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatter := logging.MustStringFormatter(
		`%{time:15:04:05.000} %{level:.4s} %{module}: %{message}`,
	)
	formatted := logging.NewBackendFormatter(backend, formatter)
	leveled := logging.AddModuleLevel(formatted)

	lvl, err := logging.LogLevel(level)
	if err != nil {
		lvl = logging.INFO
	}
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)
}
