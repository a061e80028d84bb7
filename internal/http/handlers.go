package http

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-device-bridge/internal/bridge"
	"github.com/quantumauth-io/quantum-device-bridge/internal/deviceaction"
	"github.com/quantumauth-io/quantum-device-bridge/internal/navigation"
	"github.com/quantumauth-io/quantum-device-bridge/internal/provider"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{JSONKeyOK: true})
}

// handleProviderRequest answers with 200 and either result or error, like a
// JSON-RPC endpoint.
func (s *Server) handleProviderRequest(w http.ResponseWriter, r *http.Request) {
	var body providerRequestBody
	if err := readJSONBody(r, &body); err != nil {
		writeRPCError(w, http.StatusBadRequest, JSONRPCErrorCodeInvalidRequest, "invalid request", err.Error())
		return
	}

	res, err := s.bridge.Provider().Request(r.Context(), provider.Request{Method: body.Method, Params: body.Params})
	if err != nil {
		var rpcErr *provider.RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &provider.RPCError{Code: provider.CodeInternal, Message: err.Error()}
		}
		writeJSON(w, http.StatusOK, providerResponse{Error: rpcErr})
		return
	}
	writeJSON(w, http.StatusOK, providerResponse{Result: res})
}

func (s *Server) handleProviderContext(w http.ResponseWriter, _ *http.Request) {
	snap := s.bridge.Sessions().Snapshot()
	writeJSON(w, http.StatusOK, contextResponse{
		Context:    snap,
		Connected:  s.bridge.Provider().Connected(),
		Accounts:   snap.Accounts(),
		ChainIDHex: snap.ChainIDHex(),
	})
}

var providerEvents = []string{
	provider.EventConnect,
	provider.EventDisconnect,
	provider.EventAccountsChanged,
	provider.EventChainChanged,
	provider.EventMessage,
}

// handleProviderEvents streams provider events until the client goes away.
func (s *Server) handleProviderEvents(w http.ResponseWriter, r *http.Request) {
	p := s.bridge.Provider()
	events := make(chan providerEvent, 16)

	ids := make(map[string]provider.ListenerID, len(providerEvents))
	for _, name := range providerEvents {
		ids[name] = p.On(name, func(payload any) {
			select {
			case events <- providerEvent{Event: name, Data: payload}:
			default:
				log.Warn("provider event dropped, client too slow", "event", name)
			}
		})
	}
	defer func() {
		for name, id := range ids {
			p.RemoveListener(name, id)
		}
	}()

	out := newNDJSONWriter(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			if err := out.write(ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleIntents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Broker().Pending())
}

// handleIntentStream sends the open intents, then every new one.
func (s *Server) handleIntentStream(w http.ResponseWriter, r *http.Request) {
	ch := make(chan navigation.Intent, 16)
	sub := s.bridge.Broker().Subscribe(ch)
	defer sub.Unsubscribe()

	out := newNDJSONWriter(w)
	for _, in := range s.bridge.Broker().Pending() {
		if err := out.write(in); err != nil {
			return
		}
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Err():
			return
		case in := <-ch:
			if err := out.write(in); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleIntentComplete(w http.ResponseWriter, r *http.Request) {
	var req completeIntentRequest
	if err := readJSONBody(r, &req); err != nil {
		http.Error(w, HTTPErrorInvalidJSONText, http.StatusBadRequest)
		return
	}
	s.resolveIntent(w, s.bridge.Broker().Complete(mux.Vars(r)["id"], req.Result))
}

func (s *Server) handleIntentReject(w http.ResponseWriter, r *http.Request) {
	var req rejectIntentRequest
	if err := readJSONBody(r, &req); err != nil {
		http.Error(w, HTTPErrorInvalidJSONText, http.StatusBadRequest)
		return
	}
	s.resolveIntent(w, s.bridge.Broker().Reject(mux.Vars(r)["id"], req.Reason))
}

func (s *Server) resolveIntent(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{JSONKeyOK: true})
	case errors.Is(err, navigation.ErrUnknownIntent):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleDeviceConnect(w http.ResponseWriter, r *http.Request) {
	ref, err := s.bridge.ConnectDevice(r.Context())
	if err != nil {
		writeError(w, bridgeStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, deviceResponse{OK: true, Device: &ref})
}

func (s *Server) handleDeviceDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.DisconnectDevice(r.Context()); err != nil {
		writeError(w, bridgeStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, deviceResponse{OK: true})
}

// handleDeviceSign runs a signing flow and streams its statuses.
func (s *Server) handleDeviceSign(w http.ResponseWriter, r *http.Request) {
	var req deviceaction.Request
	if err := readJSONBody(r, &req); err != nil {
		http.Error(w, HTTPErrorInvalidJSONText, http.StatusBadRequest)
		return
	}

	statuses, err := s.bridge.Sign(r.Context(), req)
	if err != nil {
		writeError(w, signStatus(err), err)
		return
	}

	out := newNDJSONWriter(w)
	for st := range statuses {
		if err := out.write(st); err != nil {
			log.Warn("sign stream write failed", "error", err)
			go func() {
				for range statuses {
				}
			}()
			return
		}
	}
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	out := newNDJSONWriter(w)
	for st := range s.bridge.Authenticate(r.Context()) {
		if err := out.write(st); err != nil {
			return
		}
	}
}

func (s *Server) handleWalletDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.DisconnectWallet(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{JSONKeyOK: true})
}

func bridgeStatus(err error) int {
	switch {
	case errors.Is(err, bridge.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, bridge.ErrNoDevice), errors.Is(err, bridge.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func signStatus(err error) int {
	switch {
	case errors.Is(err, deviceaction.ErrConnection), errors.Is(err, deviceaction.ErrAccountNotSelected):
		return http.StatusPreconditionFailed
	case errors.Is(err, deviceaction.ErrDeviceBusy):
		return http.StatusConflict
	case errors.Is(err, deviceaction.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return bridgeStatus(err)
	}
}
