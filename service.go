package inventory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/korylprince/ios-app-inventory/device"
	"github.com/korylprince/ios-app-inventory/device/usbmux"
	"github.com/korylprince/ios-app-inventory/icon"
	"github.com/korylprince/ios-app-inventory/internal/logger"
	"github.com/korylprince/ios-app-inventory/resolver"
	"github.com/korylprince/ios-app-inventory/tokenstore"
	"github.com/sirupsen/logrus"
)

type ContextKey int

const (
	// ContextKeyGrant is used to retrieve the *tokenstore.Grant from an http.Request's context
	ContextKeyGrant ContextKey = iota
	// ContextKeyRequestID is used to retrieve the request ID from an http.Request's context
	ContextKeyRequestID
)

// StatusCodeSkip is returned by a ReturnHandlerFunc to indicate the ResponseWriter should not be written to
const StatusCodeSkip int = -1

// Device is a Source that can also describe itself and be closed. *session.Handle implements Device
type Device interface {
	Source
	Info(ctx context.Context) (*device.Info, error)
	Close() error
}

// Connector opens a session to the device with udid. The caller closes the returned Device
type Connector func(ctx context.Context, udid string) (Device, error)

// Service is an HTTP service that reports the applications installed on connected devices
type Service struct {
	// TokenStore, if set, requires every request to carry a token granting access to the requested device
	tokenstore.TokenStore
	// Resolver, if set, enables lookups by serial number
	resolver.Resolver
	// IconSize, if positive, scales icons down to fit inside IconSize×IconSize
	IconSize int

	connect Connector
	fetcher *icon.Fetcher
	log     logrus.FieldLogger

	mu    sync.Mutex
	locks map[string]*deviceLock
}

type deviceLock struct {
	sem  chan struct{}
	refs int
}

// New returns a new Service. tokenStore, res, fetcher, and log may be nil
func New(connect Connector, tokenStore tokenstore.TokenStore, res resolver.Resolver, fetcher *icon.Fetcher, log logrus.FieldLogger) *Service {
	return &Service{
		TokenStore: tokenStore,
		Resolver:   res,
		connect:    connect,
		fetcher:    fetcher,
		log:        logger.OrDiscard(log),
		locks:      make(map[string]*deviceLock),
	}
}

// ReturnHandlerFunc returns an HTTP status code and body for the given request. If the returned code is StatusCodeSkip, the ResponseWriter should not be written to by the caller
type ReturnHandlerFunc func(w http.ResponseWriter, r *http.Request) (int, interface{})

// lock serializes access to the device with udid until the returned func is called
func (s *Service) lock(ctx context.Context, udid string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[udid]
	if !ok {
		l = &deviceLock{sem: make(chan struct{}, 1)}
		s.locks[udid] = l
	}
	l.refs++
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, udid)
		}
		s.mu.Unlock()
	}

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

func (s *Service) withDevice(ctx context.Context, udid string, fn func(Device) error) error {
	unlock, err := s.lock(ctx, udid)
	if err != nil {
		return fmt.Errorf("could not lock device: %w", err)
	}
	defer unlock()

	d, err := s.connect(ctx, udid)
	if err != nil {
		return fmt.Errorf("could not connect to device: %w", err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			s.log.WithError(err).WithField("udid", udid).Warn("could not close device session")
		}
	}()

	return fn(d)
}

// statusFor maps an error to an HTTP status code
func statusFor(err error) int {
	var serr *device.ServiceError
	switch {
	case errors.Is(err, usbmux.ErrDeviceNotFound), errors.Is(err, resolver.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, device.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &serr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// authorize checks the request's grant allows udid
func (s *Service) authorize(r *http.Request, udid string) (int, error) {
	if s.TokenStore == nil {
		return 0, nil
	}

	grant, ok := r.Context().Value(ContextKeyGrant).(*tokenstore.Grant)
	if !ok || grant == nil {
		return http.StatusUnauthorized, errors.New("missing grant")
	}
	if !grant.Allows(udid) {
		return http.StatusForbidden, fmt.Errorf("%s is not allowed to access %s", grant.Subject, udid)
	}
	return 0, nil
}

func (s *Service) infoReturnHandlerFunc(w http.ResponseWriter, r *http.Request) (int, interface{}) {
	udid := mux.Vars(r)["udid"]
	if code, err := s.authorize(r, udid); err != nil {
		return code, fmt.Errorf("inventory info: %w", err)
	}

	var info *device.Info
	if err := s.withDevice(r.Context(), udid, func(d Device) (err error) {
		info, err = d.Info(r.Context())
		return err
	}); err != nil {
		return statusFor(err), fmt.Errorf("inventory info: could not get device info: %w", err)
	}

	return http.StatusOK, info
}

func (s *Service) apps(r *http.Request, udid string) (int, interface{}) {
	q := r.URL.Query()

	typ, err := device.ParseAppType(q.Get("type"))
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("inventory apps: %w", err)
	}

	icons := true
	if v := q.Get("icons"); v != "" {
		if icons, err = strconv.ParseBool(v); err != nil {
			return http.StatusBadRequest, fmt.Errorf("inventory apps: invalid icons parameter: %w", err)
		}
	}

	opts := []Option{WithAppType(typ), WithFetcher(s.fetcher), WithLogger(s.log.WithField("udid", udid))}
	if !icons {
		opts = append(opts, WithoutIcons())
	}
	lister := NewLister[icon.PNG](icon.PNGDecoder{MaxSize: s.IconSize}, opts...)

	var dir Directory[icon.PNG]
	if err = s.withDevice(r.Context(), udid, func(d Device) (err error) {
		dir, err = lister.ListInstalledAppsWithIcons(r.Context(), d)
		return err
	}); err != nil {
		return statusFor(err), fmt.Errorf("inventory apps: could not list apps: %w", err)
	}

	return http.StatusOK, dir
}

func (s *Service) appsReturnHandlerFunc(w http.ResponseWriter, r *http.Request) (int, interface{}) {
	udid := mux.Vars(r)["udid"]
	if code, err := s.authorize(r, udid); err != nil {
		return code, fmt.Errorf("inventory apps: %w", err)
	}
	return s.apps(r, udid)
}

func (s *Service) serialAppsReturnHandlerFunc(w http.ResponseWriter, r *http.Request) (int, interface{}) {
	if s.Resolver == nil {
		return http.StatusNotFound, errors.New("inventory serial apps: serial lookups are not configured")
	}

	serial := mux.Vars(r)["serial"]
	udid, err := s.Resolver.UDID(r.Context(), serial)
	if err != nil {
		return statusFor(err), fmt.Errorf("inventory serial apps: could not resolve serial %s: %w", serial, err)
	}

	if code, err := s.authorize(r, udid); err != nil {
		return code, fmt.Errorf("inventory serial apps: %w", err)
	}
	return s.apps(r, udid)
}

func (s *Service) catalogReturnHandlerFunc(w http.ResponseWriter, r *http.Request) (int, interface{}) {
	udid := mux.Vars(r)["udid"]
	if code, err := s.authorize(r, udid); err != nil {
		return code, fmt.Errorf("inventory catalog: %w", err)
	}

	lister := NewLister[icon.PNG](nil, WithLogger(s.log.WithField("udid", udid)))

	var c *Catalog
	if err := s.withDevice(r.Context(), udid, func(d Device) (err error) {
		c, err = lister.Catalog(r.Context(), d)
		return err
	}); err != nil {
		return statusFor(err), fmt.Errorf("inventory catalog: could not build catalog: %w", err)
	}

	if q := r.URL.Query().Get("q"); strings.TrimSpace(q) != "" {
		c = c.Search(q)
	}
	return http.StatusOK, c
}

func (s *Service) iconReturnHandlerFunc(w http.ResponseWriter, r *http.Request) (int, interface{}) {
	vars := mux.Vars(r)
	udid, bundleID := vars["udid"], vars["bundle"]
	if code, err := s.authorize(r, udid); err != nil {
		return code, fmt.Errorf("inventory icon: %w", err)
	}

	var data []byte
	if err := s.withDevice(r.Context(), udid, func(d Device) (err error) {
		if s.fetcher != nil {
			data, err = s.fetcher.Get(r.Context(), bundleID, d.IconPNG)
		} else {
			data, err = d.IconPNG(r.Context(), bundleID)
		}
		return err
	}); err != nil {
		var serr *device.ServiceError
		if errors.Is(err, icon.ErrEmpty) || errors.As(err, &serr) {
			return http.StatusNotFound, fmt.Errorf("inventory icon: no icon for %s: %w", bundleID, err)
		}
		return statusFor(err), fmt.Errorf("inventory icon: could not get icon: %w", err)
	}

	png, err := icon.PNGDecoder{MaxSize: s.IconSize}.Decode(data)
	if errors.Is(err, icon.ErrEmpty) {
		return http.StatusNotFound, fmt.Errorf("inventory icon: no icon for %s", bundleID)
	}
	if err != nil {
		return http.StatusBadGateway, fmt.Errorf("inventory icon: %w", err)
	}

	w.Header().Set("Content-Type", "image/png")
	http.ServeContent(w, r, bundleID+".png", time.Time{}, bytes.NewReader(png))
	return StatusCodeSkip, nil
}

// InfoHandler is an http.Handler that returns the device's info. It must be mounted with a {udid} route variable
func (s *Service) InfoHandler() http.Handler {
	return s.withJSONResponse(s.infoReturnHandlerFunc)
}

// AppsHandler is an http.Handler that returns the device's installed apps as a Directory.
// It must be mounted with a {udid} route variable. The type query parameter filters by application type and icons=false omits icons
func (s *Service) AppsHandler() http.Handler {
	return s.withJSONResponse(s.appsReturnHandlerFunc)
}

// SerialAppsHandler is AppsHandler for a device looked up by its serial number. It must be mounted with a {serial} route variable
func (s *Service) SerialAppsHandler() http.Handler {
	return s.withJSONResponse(s.serialAppsReturnHandlerFunc)
}

// CatalogHandler is an http.Handler that returns the device's Catalog, filtered by the q query parameter.
// It must be mounted with a {udid} route variable
func (s *Service) CatalogHandler() http.Handler {
	return s.withJSONResponse(s.catalogReturnHandlerFunc)
}

// IconHandler is an http.Handler that returns an app's icon as a PNG. It must be mounted with {udid} and {bundle} route variables
func (s *Service) IconHandler() http.Handler {
	return s.withJSONResponse(s.iconReturnHandlerFunc)
}

// Middleware is a middleware that checks that a valid token has been sent in the Authorization header, and sets the corresponding grant in the request's context. Middleware returns a ReturnHandlerFunc and is intended to be wrapped by an http.Handler that will handle the returned status code and error. See ReturnHandlerFunc for more information. JSONMiddleware is a pre-built handler that marshals the code and error as JSON.
func (s *Service) Middleware(next http.Handler) ReturnHandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		header := strings.Split(r.Header.Get("Authorization"), " ")

		if len(header) != 2 || header[0] != "Bearer" {
			return http.StatusUnauthorized, errors.New("inventory middleware: invalid header")
		}
		token := header[1]
		grant, err := s.TokenStore.Authenticate(token)
		if err != nil {
			var terr *tokenstore.InvalidTokenError
			if errors.As(err, &terr) {
				return http.StatusUnauthorized, fmt.Errorf("inventory middleware: %w", err)
			}
			return http.StatusInternalServerError, fmt.Errorf("inventory middleware: could not authenticate token: %w", err)
		}

		ctx := context.WithValue(r.Context(), ContextKeyGrant, grant)

		next.ServeHTTP(w, r.WithContext(ctx))
		return StatusCodeSkip, nil
	}
}

// JSONMiddleware is a wrapper for Middleware that returns errors encountered back to the client in JSON format. e.g. {"code":401,"description":"Unauthorized"}
func (s *Service) JSONMiddleware(next http.Handler) http.Handler {
	return s.withJSONResponse(s.Middleware(next))
}

// Router returns a router with every handler mounted under /v1. If the Service has a TokenStore, every route requires a token
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.RequestIDMiddleware)
	r.NotFoundHandler = s.RequestIDMiddleware(s.withJSONResponse(func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		return http.StatusNotFound, nil
	}))
	r.MethodNotAllowedHandler = s.RequestIDMiddleware(s.withJSONResponse(func(w http.ResponseWriter, r *http.Request) (int, interface{}) {
		return http.StatusMethodNotAllowed, nil
	}))

	auth := func(h http.Handler) http.Handler {
		if s.TokenStore == nil {
			return h
		}
		return s.JSONMiddleware(h)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Methods(http.MethodGet).Path("/devices/{udid}").Handler(auth(s.InfoHandler()))
	v1.Methods(http.MethodGet).Path("/devices/{udid}/apps").Handler(auth(s.AppsHandler()))
	v1.Methods(http.MethodGet, http.MethodHead).Path("/devices/{udid}/apps/{bundle}/icon").Handler(auth(s.IconHandler()))
	v1.Methods(http.MethodGet).Path("/devices/{udid}/catalog").Handler(auth(s.CatalogHandler()))
	v1.Methods(http.MethodGet).Path("/serials/{serial}/apps").Handler(auth(s.SerialAppsHandler()))

	return r
}
