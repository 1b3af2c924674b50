package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	inventory "github.com/korylprince/ios-app-inventory"
	"github.com/korylprince/ios-app-inventory/config"
	"github.com/korylprince/ios-app-inventory/resolver"
	"github.com/korylprince/ios-app-inventory/resolver/micromdm"
	"github.com/korylprince/ios-app-inventory/tokenstore"
	"github.com/korylprince/ios-app-inventory/tokenstore/jwt"
	"github.com/korylprince/ios-app-inventory/tokenstore/mem"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/pkcs12"
)

// tlsConfig reads the PKCS #12 identity at path
func tlsConfig(path, password string) (*tls.Config, error) {
	identity, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read identity: %w", err)
	}
	key, cert, err := pkcs12.Decode(identity, password)
	if err != nil {
		return nil, fmt.Errorf("could not decode identity: %w", err)
	}

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{cert.Raw},
			PrivateKey:  key,
			Leaf:        cert,
		}},
	}, nil
}

// tokenStore returns the configured TokenStore, or nil if authentication is disabled. The returned func releases it
func tokenStore(conf *config.TokenConfig) (tokenstore.TokenStore, func(), error) {
	switch conf.Type {
	case "":
		return nil, func() {}, nil
	case "mem":
		ts := mem.New(1000, time.Duration(conf.TTL))
		return ts, func() { ts.Close() }, nil
	case "jwt":
		key, err := conf.HMACKey()
		if err != nil {
			return nil, nil, err
		}
		ts, err := jwt.New(key, conf.Issuer, conf.Audience, time.Duration(conf.TTL))
		if err != nil {
			return nil, nil, fmt.Errorf("could not create token store: %w", err)
		}
		return ts, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown token store type: %q", conf.Type)
}

// serialResolver returns the configured Resolver, or nil if lookups by serial are disabled
func serialResolver(conf *config.ServerConfig) (resolver.Resolver, error) {
	if conf.MicroMDM.URL != "" {
		r, err := micromdm.New(conf.MicroMDM.URL, conf.MicroMDM.Token, conf.MicroMDM.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("could not create MicroMDM resolver: %w", err)
		}
		return r, nil
	}
	if len(conf.Serials) > 0 {
		return resolver.Static(conf.Serials), nil
	}
	return nil, nil
}

func (a *app) newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve device inventories over HTTP",
		Args:  cobra.NoArgs,
		RunE:  a.serve,
	}

	cmd.Flags().StringP("listen", "l", "", "listen address (default from config, :8080)")

	return cmd
}

func (a *app) serve(cmd *cobra.Command, args []string) error {
	conf := &a.conf.Server
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		conf.Listen = listen
	}

	ts, closeTokens, err := tokenStore(&conf.Tokens)
	if err != nil {
		return err
	}
	defer closeTokens()
	if ts == nil {
		a.log.Warn("authentication is disabled")
	}

	res, err := serialResolver(conf)
	if err != nil {
		return err
	}

	f, release, err := a.fetcher()
	if err != nil {
		return err
	}
	defer release()

	s := inventory.New(a.connector(), ts, res, f, a.log)
	s.IconSize = a.conf.Icons.MaxSize

	srv := &http.Server{
		Addr:              conf.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if conf.Identity != "" {
		if srv.TLSConfig, err = tlsConfig(conf.Identity, conf.IdentityPassword); err != nil {
			return err
		}
	}

	errs := make(chan error, 1)
	go func() {
		a.log.WithField("addr", conf.Listen).WithField("tls", srv.TLSConfig != nil).Info("listening")
		if srv.TLSConfig != nil {
			errs <- srv.ListenAndServeTLS("", "")
			return
		}
		errs <- srv.ListenAndServe()
	}()

	select {
	case err = <-errs:
		return err
	case <-cmd.Context().Done():
	}

	a.log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err = srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("could not shut down: %w", err)
	}
	if err = <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *app) newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <subject> <udid>...",
		Short: "Sign a token that grants subject access to devices (* for every device)",
		Long:  `Sign a token that grants subject access to devices. Requires server.tokens.type = "jwt", since tokens from the in-memory store only exist in the serving process`,
		Args:  cobra.MinimumNArgs(2),
		RunE:  a.signToken,
	}

	return cmd
}

func (a *app) signToken(cmd *cobra.Command, args []string) error {
	conf := &a.conf.Server.Tokens
	if conf.Type != "jwt" {
		return errors.New(`signing tokens requires server.tokens.type = "jwt"`)
	}

	ts, release, err := tokenStore(conf)
	if err != nil {
		return err
	}
	defer release()

	token, err := ts.New(args[0], args[1:])
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
