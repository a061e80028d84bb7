// Package http is the loopback HTTP surface of the bridge: the EIP-1193
// provider for pages, the intent queue for the wallet UI, and device and
// trust chain controls.
package http

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/quantumauth-io/quantum-device-bridge/internal/deviceaction"
	"github.com/quantumauth-io/quantum-device-bridge/internal/navigation"
	"github.com/quantumauth-io/quantum-device-bridge/internal/provider"
	"github.com/quantumauth-io/quantum-device-bridge/internal/session"
	"github.com/quantumauth-io/quantum-device-bridge/internal/trustchain"
)

// Bridge is what the server drives. *bridge.Bridge implements it.
type Bridge interface {
	Provider() *provider.Provider
	Broker() *navigation.Broker
	Sessions() *session.Aggregator

	ConnectDevice(ctx context.Context) (session.DeviceRef, error)
	DisconnectDevice(ctx context.Context) error
	DisconnectWallet(ctx context.Context) error
	Authenticate(ctx context.Context) <-chan trustchain.AuthStatus
	Sign(ctx context.Context, r deviceaction.Request) (<-chan deviceaction.SignFlowStatus, error)
}

type Server struct {
	bridge         Bridge
	router         *mux.Router
	allowedOrigins map[string]struct{}
}

// NewServer builds the router. Requests carrying an Origin must come from
// allowedOrigins.
func NewServer(b Bridge, allowedOrigins []string) *Server {
	s := &Server{
		bridge:         b,
		router:         mux.NewRouter(),
		allowedOrigins: originSet(allowedOrigins),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(withRequestLog, s.localGuards)

	get := []string{http.MethodGet, http.MethodOptions}
	post := []string{http.MethodPost, http.MethodOptions}

	r.HandleFunc(PathHealth, s.handleHealth).Methods(get...)

	r.HandleFunc(PathProviderRequest, s.handleProviderRequest).Methods(post...)
	r.HandleFunc(PathProviderContext, s.handleProviderContext).Methods(get...)
	r.HandleFunc(PathProviderEvents, s.handleProviderEvents).Methods(get...)

	r.HandleFunc(PathUIIntentsStream, s.handleIntentStream).Methods(get...)
	r.HandleFunc(PathUIIntents, s.handleIntents).Methods(get...)
	r.HandleFunc(PathUIIntentComplete, s.handleIntentComplete).Methods(post...)
	r.HandleFunc(PathUIIntentReject, s.handleIntentReject).Methods(post...)

	r.HandleFunc(PathDeviceConnect, s.handleDeviceConnect).Methods(post...)
	r.HandleFunc(PathDeviceDisconnect, s.handleDeviceDisconnect).Methods(post...)
	r.HandleFunc(PathDeviceSign, s.handleDeviceSign).Methods(post...)

	r.HandleFunc(PathTrustChainAuth, s.handleAuthenticate).Methods(post...)
	r.HandleFunc(PathWalletDisconnect, s.handleWalletDisconnect).Methods(post...)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, HTTPErrorMethodNotAllowedText, http.StatusMethodNotAllowed)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
