// Command pkihttp fetches or posts a DER-encoded PKI message over HTTP.
//
//	pkihttp -url http://crl.example.com/ca.crl -out ca.crl
//	pkihttp -url http://ca.example.com/pkix/ -in ir.der -out ip.der
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nczempin/pkihttp/client"
	"github.com/nczempin/pkihttp/config"
	"github.com/nczempin/pkihttp/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	configPath  string
	url         string
	in          string
	out         string
	contentType string
	proxy       string
	noProxy     string
	timeout     time.Duration
	transport   string
	socks5      string
	useTLS      bool
	caFile      string
	verbose     bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("pkihttp", flag.ContinueOnError)
	fs.SetOutput(stderr)

	o := &options{}
	fs.StringVar(&o.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&o.url, "url", "", "server URL, [http[s]://]host[:port][/path]")
	fs.StringVar(&o.in, "in", "", "DER request to POST, - for stdin; GET if empty")
	fs.StringVar(&o.out, "out", "-", "where to write the DER response, - for stdout")
	fs.StringVar(&o.contentType, "content-type", "", "content type of the POSTed request")
	fs.StringVar(&o.proxy, "proxy", "", "HTTP proxy, [http://][user:pass@]host[:port]")
	fs.StringVar(&o.noProxy, "no-proxy", "", "hosts not to reach through the proxy")
	fs.DurationVar(&o.timeout, "timeout", -1, "exchange timeout, 0 for none")
	fs.StringVar(&o.transport, "transport", "", "socket, net, uring, ring or unix:PATH")
	fs.StringVar(&o.socks5, "socks5", "", "SOCKS5 server host:port to dial through, implies -transport net")
	fs.BoolVar(&o.useTLS, "tls", false, "run the exchange over TLS")
	fs.StringVar(&o.caFile, "cafile", "", "PEM file with trusted CA certificates for TLS")
	fs.BoolVar(&o.verbose, "v", false, "log debug output")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.url == "" {
		fs.Usage()
		return nil, fmt.Errorf("-url is required")
	}
	return o, nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := logrus.New()
	log.SetOutput(stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	o, err := parseFlags(args, stderr)
	if err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		log.Error(err)
		return 2
	}

	cfg, err := loadConfig(o)
	if err != nil {
		log.WithError(err).Error("invalid configuration")
		return 2
	}
	level := cfg.Level()
	if o.verbose {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)

	opts := []client.Option{client.WithLogger(log)}
	if o.useTLS || o.caFile != "" {
		hook, err := tlsHook(o.caFile)
		if err != nil {
			log.WithError(err).Error("cannot set up TLS")
			return 2
		}
		opts = append(opts, client.WithStreamHook(hook))
	}

	c, err := client.New(cfg, opts...)
	if err != nil {
		log.WithError(err).Error("invalid configuration")
		return 2
	}

	var resp []byte
	if o.in == "" {
		resp, err = c.Get(ctx, o.url)
	} else {
		var req []byte
		req, err = readInput(o.in, stdin)
		if err != nil {
			log.WithError(err).Error("cannot read request")
			return 1
		}
		resp, err = c.Post(ctx, o.url, req)
	}
	if err != nil {
		log.WithError(err).Error("exchange failed")
		return 1
	}

	if err := writeOutput(o.out, stdout, resp); err != nil {
		log.WithError(err).Error("cannot write response")
		return 1
	}
	log.WithField("bytes", len(resp)).Info("done")
	return 0
}

// loadConfig layers command line flags over the configuration file.
func loadConfig(o *options) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return cfg, err
		}
	}

	if o.contentType != "" {
		cfg.ContentType = o.contentType
	}
	if o.proxy != "" {
		cfg.Proxy = o.proxy
	}
	if o.noProxy != "" {
		cfg.NoProxy = o.noProxy
	}
	if o.timeout >= 0 {
		cfg.Timeout = o.timeout
	}
	if o.socks5 != "" {
		cfg.SOCKS5 = o.socks5
	}
	switch {
	case o.transport != "":
		cfg.Transport = o.transport
	case o.useTLS || o.caFile != "" || cfg.SOCKS5 != "":
		// TLS needs a net.Conn underneath
		cfg.Transport = transport.KindNet
	}
	return cfg, cfg.Validate()
}

func tlsHook(caFile string) (*client.TLSHook, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		tlsCfg.RootCAs = pool
	}
	return &client.TLSHook{Config: tlsCfg}, nil
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func writeOutput(path string, stdout io.Writer, data []byte) error {
	if path == "-" {
		_, err := stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
