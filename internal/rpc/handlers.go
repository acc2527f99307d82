package rpc

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/klingnet-loot/internal/access"
	"github.com/Klingon-tech/klingnet-loot/internal/ledger"
	klog "github.com/Klingon-tech/klingnet-loot/internal/log"
	"github.com/Klingon-tech/klingnet-loot/internal/opener"
	"github.com/Klingon-tech/klingnet-loot/internal/option"
	"github.com/Klingon-tech/klingnet-loot/internal/payment"
	"github.com/Klingon-tech/klingnet-loot/pkg/types"
)

const (
	defaultEventsLimit = 50
	maxEventsLimit     = 500
)

// ── Loot endpoints ──────────────────────────────────────────────────────

func (s *Server) handleLootGetInfo(_ context.Context, _ *Request) (interface{}, *Error) {
	entries, err := s.b.Registry.Options()
	if err != nil {
		return nil, toError(err)
	}
	balance, err := s.b.Treasury.Balance()
	if err != nil {
		return nil, toError(err)
	}
	admins := s.b.Admins.List()
	hexAdmins := make([]string, len(admins))
	for i, a := range admins {
		hexAdmins[i] = a.String()
	}

	res := &InfoResult{
		Deployment:  s.b.Deployment,
		Mode:        s.b.Mode,
		Granularity: uint32(s.b.Registry.Granularity()),
		Paused:      s.b.Gate.Paused(),
		Operator:    s.b.Registry.Operator().String(),
		Admins:      hexAdmins,
		Options:     len(entries),
		Treasury:    balance,
	}
	if s.p2pNode != nil {
		res.NodeID = s.p2pNode.ID().String()
		res.Peers = s.p2pNode.PeerCount()
	}
	return res, nil
}

func (s *Server) handleLootOpen(ctx context.Context, req *Request) (interface{}, *Error) {
	var params OpenParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	// Signatures are mandatory in admin mode. A signed paid open still
	// identifies its caller.
	if s.b.Mode == payment.ModeAdmin || params.Auth != nil {
		var rpcErr *Error
		ctx, rpcErr = s.authenticate(ctx, req.Method, &params)
		if rpcErr != nil {
			return nil, rpcErr
		}
	}

	recipient, err := types.ParseAddress(params.Recipient)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid recipient: %v", err)}
	}

	res, err := s.b.Open(ctx, opener.Request{
		OptionID:  params.Option,
		Recipient: recipient,
		Quantity:  params.Quantity,
		Payment:   params.Payment,
	})
	if err != nil {
		return nil, toError(err)
	}
	return res, nil
}

// ── Option endpoints ────────────────────────────────────────────────────

func (s *Server) optionResult(id option.ID, opt option.Option) (*OptionResult, error) {
	status, err := s.b.Supply.Status(id)
	if err != nil {
		return nil, err
	}
	funds, err := s.b.Treasury.Funds(id)
	if err != nil {
		return nil, err
	}
	return &OptionResult{
		ID:      id,
		Enabled: opt.Enabled(),
		Option:  opt,
		Supply:  status,
		Funds:   funds,
	}, nil
}

func (s *Server) handleOptionGet(_ context.Context, req *Request) (interface{}, *Error) {
	var params OptionIDParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	opt, err := s.b.Registry.Option(params.ID)
	if err != nil {
		return nil, toError(err)
	}
	res, err := s.optionResult(params.ID, opt)
	if err != nil {
		return nil, toError(err)
	}
	return res, nil
}

func (s *Server) handleOptionList(_ context.Context, _ *Request) (interface{}, *Error) {
	entries, err := s.b.Registry.Options()
	if err != nil {
		return nil, toError(err)
	}
	out := make([]*OptionResult, 0, len(entries))
	for _, e := range entries {
		res, err := s.optionResult(e.ID, e.Option)
		if err != nil {
			return nil, toError(err)
		}
		out = append(out, res)
	}
	return out, nil
}

func (s *Server) handleOptionValidate(_ context.Context, req *Request) (interface{}, *Error) {
	var params OptionValidateParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	g := s.b.Registry.Granularity()
	res := &ValidateResult{Valid: true, Granularity: uint32(g)}
	if err := params.Option.Validate(g); err != nil {
		res.Valid = false
		res.Error = err.Error()
		return res, nil
	}
	res.CommonShare = option.CommonShare(params.Option.Probabilities, g)
	return res, nil
}

func (s *Server) handleSupplyGet(_ context.Context, req *Request) (interface{}, *Error) {
	var params OptionIDParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	status, err := s.b.Supply.Status(params.ID)
	if err != nil {
		return nil, toError(err)
	}
	return status, nil
}

// ── Class endpoints ─────────────────────────────────────────────────────

func (s *Server) handleClassGet(_ context.Context, req *Request) (interface{}, *Error) {
	var params ClassParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	c, err := option.ParseClass(params.Class)
	if err != nil {
		return nil, toError(err)
	}
	rec, err := s.b.Registry.Class(c)
	if err != nil {
		return nil, toError(err)
	}
	return &ClassResult{Class: c.String(), Index: uint8(c), ClassRecord: rec}, nil
}

func (s *Server) handleClassList(_ context.Context, _ *Request) (interface{}, *Error) {
	recs, err := s.b.Registry.Classes()
	if err != nil {
		return nil, toError(err)
	}
	out := make([]ClassResult, len(recs))
	for i, rec := range recs {
		c := option.Class(i)
		out[i] = ClassResult{Class: c.String(), Index: uint8(c), ClassRecord: rec}
	}
	return out, nil
}

// ── Event endpoints ─────────────────────────────────────────────────────

func (s *Server) handleEventsList(_ context.Context, req *Request) (interface{}, *Error) {
	var params EventsParam
	if len(req.Params) > 0 {
		if err := parseParams(req, &params); err != nil {
			return nil, err
		}
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultEventsLimit
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}
	evs, err := s.b.Events.List(params.From, limit)
	if err != nil {
		return nil, toError(err)
	}
	next := params.From
	if len(evs) > 0 {
		next = evs[len(evs)-1].Seq + 1
	}
	return &EventsResult{Events: evs, Next: next}, nil
}

// ── Ledger endpoints ────────────────────────────────────────────────────

func (s *Server) handleLedgerGetBalance(_ context.Context, req *Request) (interface{}, *Error) {
	var params BalanceParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	addr, err := types.ParseAddress(params.Address)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid address: %v", err)}
	}

	if params.TokenID == "" {
		holdings, err := s.b.Ledger.Balances(addr)
		if err != nil {
			return nil, toError(err)
		}
		if holdings == nil {
			holdings = []ledger.Holding{}
		}
		return &BalanceResult{Address: addr, Holdings: holdings}, nil
	}

	id, err := types.HexToTokenID(params.TokenID)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid token_id: %v", err)}
	}
	amount, err := s.b.Ledger.BalanceOf(addr, id)
	if err != nil {
		return nil, toError(err)
	}
	return &BalanceResult{
		Address:  addr,
		Holdings: []ledger.Holding{{TokenID: id, Amount: amount}},
	}, nil
}

func (s *Server) handleLedgerGetLot(_ context.Context, req *Request) (interface{}, *Error) {
	var params LotParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	id, err := types.HexToTokenID(params.TokenID)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid token_id: %v", err)}
	}
	lot, err := s.b.Ledger.Lot(id)
	if err != nil {
		return nil, toError(err)
	}
	return lot, nil
}

func (s *Server) handleLedgerSetApproval(ctx context.Context, req *Request) (interface{}, *Error) {
	var params ApprovalParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	ctx, rpcErr := s.authenticate(ctx, req.Method, &params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	owner, _ := access.Caller(ctx)
	operator, err := types.ParseAddress(params.Operator)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid operator: %v", err)}
	}
	if err := s.b.Ledger.SetApprovalForAll(owner, operator, params.Approved); err != nil {
		return nil, toError(err)
	}
	return &ApprovalResult{Owner: owner, Operator: operator, Approved: params.Approved}, nil
}

// ── Admin endpoints ─────────────────────────────────────────────────────

func (s *Server) handleAdminSetOption(ctx context.Context, req *Request) (interface{}, *Error) {
	var params SetOptionParam
	if _, rpcErr := s.admin(ctx, req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.b.Registry.SetOption(params.ID, params.Option); err != nil {
		return nil, toError(err)
	}
	res, err := s.optionResult(params.ID, params.Option)
	if err != nil {
		return nil, toError(err)
	}
	return res, nil
}

func (s *Server) handleAdminBindClass(ctx context.Context, req *Request) (interface{}, *Error) {
	var params BindClassParam
	ctx, rpcErr := s.admin(ctx, req, &params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	c, err := option.ParseClass(params.Class)
	if err != nil {
		return nil, toError(err)
	}
	id, err := types.HexToTokenID(params.TokenID)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid token_id: %v", err)}
	}
	caller, _ := access.Caller(ctx)
	if err := s.b.Registry.SetClassBinding(ctx, caller, c, id); err != nil {
		return nil, toError(err)
	}
	rec, err := s.b.Registry.Class(c)
	if err != nil {
		return nil, toError(err)
	}
	return &ClassResult{Class: c.String(), Index: uint8(c), ClassRecord: rec}, nil
}

func (s *Server) handleAdminPause(ctx context.Context, req *Request) (interface{}, *Error) {
	var params AdminParam
	ctx, rpcErr := s.admin(ctx, req, &params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.b.Gate.Pause(); err != nil {
		return nil, toError(err)
	}
	caller, _ := access.Caller(ctx)
	klog.RPC.Info().Str("admin", caller.String()).Msg("Opens paused")
	return &GateResult{Paused: true}, nil
}

func (s *Server) handleAdminResume(ctx context.Context, req *Request) (interface{}, *Error) {
	var params AdminParam
	ctx, rpcErr := s.admin(ctx, req, &params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.b.Gate.Resume(); err != nil {
		return nil, toError(err)
	}
	caller, _ := access.Caller(ctx)
	klog.RPC.Info().Str("admin", caller.String()).Msg("Opens resumed")
	return &GateResult{Paused: false}, nil
}

func (s *Server) handleAdminWithdraw(ctx context.Context, req *Request) (interface{}, *Error) {
	var params AdminParam
	ctx, rpcErr := s.admin(ctx, req, &params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	caller, _ := access.Caller(ctx)
	w, err := s.b.Treasury.Withdraw(caller)
	if err != nil {
		return nil, toError(err)
	}
	s.b.Report.Withdrawals.Inc()
	return w, nil
}
