// Package rpc implements the JSON-RPC 2.0 API server.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/Klingon-tech/klingnet-loot/config"
	"github.com/Klingon-tech/klingnet-loot/internal/access"
	"github.com/Klingon-tech/klingnet-loot/internal/events"
	"github.com/Klingon-tech/klingnet-loot/internal/ledger"
	klog "github.com/Klingon-tech/klingnet-loot/internal/log"
	"github.com/Klingon-tech/klingnet-loot/internal/metrics"
	"github.com/Klingon-tech/klingnet-loot/internal/opener"
	"github.com/Klingon-tech/klingnet-loot/internal/option"
	"github.com/Klingon-tech/klingnet-loot/internal/p2p"
	"github.com/Klingon-tech/klingnet-loot/internal/payment"
	"github.com/Klingon-tech/klingnet-loot/internal/supply"
	"github.com/rs/zerolog"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// OpenFunc runs one guarded open.
type OpenFunc func(context.Context, opener.Request) (*opener.Result, error)

// Backend is the loot state the server exposes.
type Backend struct {
	Registry *option.Registry
	Supply   *supply.Ledger
	Ledger   *ledger.Ledger
	Treasury *payment.Treasury
	Events   *events.Log
	Admins   *access.Admins
	Gate     *access.Gate
	Nonces   *NonceStore
	Open     OpenFunc
	Report   *metrics.Report // may be nil

	// Mode is the payment mode; loot_open must be signed in admin mode.
	Mode       string
	Deployment string
}

// Server is the JSON-RPC 2.0 HTTP server.
type Server struct {
	addr        string
	b           Backend
	p2pNode     *p2p.Node // nil = gossip disabled
	mux         *http.ServeMux
	server      *http.Server
	logger      zerolog.Logger
	ln          net.Listener
	allowedNets []*net.IPNet // Empty = allow all.
	corsOrigins []string     // Empty = no CORS headers.
}

// New creates a new RPC server. The rpcCfg parameter controls IP filtering
// and CORS. A zero-value RPCConfig allows all IPs and disables CORS.
func New(addr string, b Backend, rpcCfg ...config.RPCConfig) *Server {
	if b.Report == nil {
		b.Report = metrics.NewReport(opener.Kinds...)
	}
	s := &Server{
		addr:   addr,
		b:      b,
		mux:    http.NewServeMux(),
		logger: klog.WithComponent("rpc"),
	}

	if len(rpcCfg) > 0 {
		s.allowedNets = parseAllowedIPs(rpcCfg[0].AllowedIPs)
		s.corsOrigins = rpcCfg[0].CORSOrigins
	}

	s.mux.HandleFunc("/", s.handleRequest)

	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// parseAllowedIPs converts string IP/CIDR entries into net.IPNet.
func parseAllowedIPs(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		_, ipNet, err := net.ParseCIDR(entry)
		if err == nil {
			nets = append(nets, ipNet)
			continue
		}
		// Try as a single IP (add /32 or /128).
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// Start begins listening and serving in a background goroutine.
// It returns immediately after the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()

	return nil
}

// Addr returns the listener address (useful when bound to :0).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// SetP2PNode exposes the gossip node in loot_getInfo.
func (s *Server) SetP2PNode(n *p2p.Node) {
	s.p2pNode = n
}

// SetMetricsHandler serves h on /metrics, behind the same IP filter.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if !s.allowed(w, r) {
			return
		}
		h.ServeHTTP(w, r)
	})
}

// allowed applies IP filtering, answering 403 when the peer is refused.
func (s *Server) allowed(w http.ResponseWriter, r *http.Request) bool {
	if len(s.allowedNets) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil || !s.isIPAllowed(ip) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

// handleRequest is the main HTTP handler for JSON-RPC requests.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if !s.allowed(w, r) {
		return
	}

	s.setCORSHeaders(w, r)

	// Handle CORS preflight.
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, nil, CodeInvalidRequest, "only POST method is allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, nil, CodeParseError, "failed to read request body")
		return
	}
	if len(body) > maxBodySize {
		writeError(w, nil, CodeInvalidRequest, "request body too large")
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, CodeParseError, "invalid JSON")
		return
	}

	if req.JSONRPC != "2.0" {
		writeError(w, req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\"")
		return
	}

	result, rpcErr := s.dispatch(r.Context(), &req)
	if rpcErr != nil {
		writeJSON(w, Response{
			JSONRPC: "2.0",
			Error:   rpcErr,
			ID:      req.ID,
		})
		return
	}

	writeJSON(w, Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	})
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, req *Request) (interface{}, *Error) {
	switch req.Method {
	case "loot_getInfo":
		return s.handleLootGetInfo(ctx, req)
	case "loot_open":
		return s.handleLootOpen(ctx, req)
	case "option_get":
		return s.handleOptionGet(ctx, req)
	case "option_list":
		return s.handleOptionList(ctx, req)
	case "option_validate":
		return s.handleOptionValidate(ctx, req)
	case "supply_get":
		return s.handleSupplyGet(ctx, req)
	case "class_get":
		return s.handleClassGet(ctx, req)
	case "class_list":
		return s.handleClassList(ctx, req)
	case "events_list":
		return s.handleEventsList(ctx, req)
	case "ledger_getBalance":
		return s.handleLedgerGetBalance(ctx, req)
	case "ledger_getLot":
		return s.handleLedgerGetLot(ctx, req)
	case "ledger_setApproval":
		return s.handleLedgerSetApproval(ctx, req)
	case "admin_setOption":
		return s.handleAdminSetOption(ctx, req)
	case "admin_bindClass":
		return s.handleAdminBindClass(ctx, req)
	case "admin_pause":
		return s.handleAdminPause(ctx, req)
	case "admin_resume":
		return s.handleAdminResume(ctx, req)
	case "admin_withdraw":
		return s.handleAdminWithdraw(ctx, req)
	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

// writeJSON writes a JSON-RPC response.
func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes a JSON-RPC error response.
func writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	writeJSON(w, Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	})
}

// isIPAllowed checks if the IP is in the allowed networks list.
func (s *Server) isIPAllowed(ip net.IP) bool {
	for _, n := range s.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// setCORSHeaders adds CORS headers based on the configured origins.
func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(s.corsOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	allowed := false
	for _, o := range s.corsOrigins {
		if o == "*" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			allowed = true
			break
		}
		if o == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			allowed = true
			break
		}
	}

	if allowed {
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
}

// parseParams unmarshals the request params into the given target.
func parseParams(req *Request, target interface{}) *Error {
	if len(req.Params) == 0 || string(req.Params) == "null" {
		return &Error{Code: CodeInvalidParams, Message: "params required"}
	}
	if err := json.Unmarshal(req.Params, target); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}

// authenticate verifies the signature on parsed params p and puts the
// signer in ctx.
func (s *Server) authenticate(ctx context.Context, method string, p Signable) (context.Context, *Error) {
	signer, err := verify(s.b.Deployment, method, p, s.b.Nonces)
	if err != nil {
		return ctx, toError(err)
	}
	return access.WithCaller(ctx, signer), nil
}

// admin parses and authenticates a signed request from an administrator.
func (s *Server) admin(ctx context.Context, req *Request, p Signable) (context.Context, *Error) {
	if rpcErr := parseParams(req, p); rpcErr != nil {
		return ctx, rpcErr
	}
	ctx, rpcErr := s.authenticate(ctx, req.Method, p)
	if rpcErr != nil {
		return ctx, rpcErr
	}
	if _, err := access.AdminOnly(s.b.Admins)(ctx); err != nil {
		return ctx, toError(err)
	}
	return ctx, nil
}
