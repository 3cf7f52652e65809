// Package config loads server and client settings from an optional YAML
// file with UCHAT_-prefixed environment overrides.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/pkcs12"
)

// TLSConfig names the server certificate sources and the client trust
// anchor. Either a PKCS#12 bundle or a PEM pair may be configured.
type TLSConfig struct {
	P12File     string
	P12Password string
	CertFile    string
	KeyFile     string
	CAFile      string
}

type Config struct {
	MySQLDSN       string
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	ReconnectDelay time.Duration
	TLS            TLSConfig
}

// Load reads the config file at path, or ./config.yaml when path is empty
// and the file exists. Environment variables (UCHAT_MYSQL_DSN, ...) win
// over the file.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetDefault("request_timeout", "5s")
	v.SetDefault("write_timeout", "10s")
	v.SetDefault("reconnect_delay", "3s")

	v.SetEnvPrefix("UCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	return Config{
		MySQLDSN:       v.GetString("mysql.dsn"),
		RequestTimeout: v.GetDuration("request_timeout"),
		WriteTimeout:   v.GetDuration("write_timeout"),
		ReconnectDelay: v.GetDuration("reconnect_delay"),
		TLS: TLSConfig{
			P12File:     v.GetString("tls.p12_file"),
			P12Password: v.GetString("tls.p12_password"),
			CertFile:    v.GetString("tls.cert_file"),
			KeyFile:     v.GetString("tls.key_file"),
			CAFile:      v.GetString("tls.ca_file"),
		},
	}, nil
}

// ServerTLS builds the server's TLS configuration from the configured
// certificate source.
func (t TLSConfig) ServerTLS() (*tls.Config, error) {
	cert, err := t.serverCertificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (t TLSConfig) serverCertificate() (tls.Certificate, error) {
	switch {
	case t.P12File != "":
		data, err := os.ReadFile(t.P12File)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("read %s: %w", t.P12File, err)
		}
		key, cert, err := pkcs12.Decode(data, t.P12Password)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("decode %s: %w", filepath.Base(t.P12File), err)
		}
		return tls.Certificate{
			Certificate: [][]byte{cert.Raw},
			PrivateKey:  key,
			Leaf:        cert,
		}, nil
	case t.CertFile != "" && t.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("load key pair: %w", err)
		}
		return cert, nil
	default:
		return tls.Certificate{}, errors.New("no server certificate configured (tls.p12_file or tls.cert_file/tls.key_file)")
	}
}

// ClientTLS builds the client's TLS configuration. When a CA file is
// configured it becomes the only trust anchor (certificate pinning);
// otherwise the system roots apply. Verification is never skipped.
func (t TLSConfig) ClientTLS(serverName string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", t.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", t.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
