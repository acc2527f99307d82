package rpc

import (
	"encoding/json"

	"github.com/Klingon-tech/klingnet-loot/internal/events"
	"github.com/Klingon-tech/klingnet-loot/internal/ledger"
	"github.com/Klingon-tech/klingnet-loot/internal/option"
	"github.com/Klingon-tech/klingnet-loot/internal/supply"
	"github.com/Klingon-tech/klingnet-loot/pkg/types"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
)

// Loot error codes. Every open failure kind has its own code.
const (
	CodeUnauthorized             = -32001
	CodeBadSignature             = -32002
	CodeStaleNonce               = -32003
	CodeOptionDisabled           = -32010
	CodeSupplyExhausted          = -32011
	CodeInvalidPayment           = -32012
	CodePaused                   = -32013
	CodeReentrantCall            = -32014
	CodeIssuanceFailed           = -32015
	CodeNotAuthorizedForTransfer = -32016
	CodeClassAlreadyBound        = -32017
	CodeNothingToWithdraw        = -32018
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// OptionIDParam is used by option_get and supply_get.
type OptionIDParam struct {
	ID option.ID `json:"id"`
}

// OptionValidateParam is used by option_validate.
type OptionValidateParam struct {
	Option option.Option `json:"option"`
}

// ClassParam is used by class_get. Class is a name or an index.
type ClassParam struct {
	Class string `json:"class"`
}

// EventsParam is used by events_list.
type EventsParam struct {
	From  uint64 `json:"from"`
	Limit int    `json:"limit,omitempty"`
}

// BalanceParam is used by ledger_getBalance. An empty TokenID lists all holdings.
type BalanceParam struct {
	Address string `json:"address"`
	TokenID string `json:"token_id,omitempty"`
}

// LotParam is used by ledger_getLot.
type LotParam struct {
	TokenID string `json:"token_id"`
}

// OpenParam is used by loot_open. It must be signed in admin mode.
type OpenParam struct {
	Option    option.ID `json:"option"`
	Recipient string    `json:"recipient"`
	Quantity  uint64    `json:"quantity"`
	Payment   uint64    `json:"payment,omitempty"`
	Signed
}

// SetOptionParam is used by admin_setOption.
type SetOptionParam struct {
	ID     option.ID     `json:"id"`
	Option option.Option `json:"option"`
	Signed
}

// BindClassParam is used by admin_bindClass.
type BindClassParam struct {
	Class   string `json:"class"`
	TokenID string `json:"token_id"`
	Signed
}

// AdminParam is used by admin_pause, admin_resume and admin_withdraw.
type AdminParam struct {
	Signed
}

// ApprovalParam is used by ledger_setApproval. The signer is the owner.
type ApprovalParam struct {
	Operator string `json:"operator"`
	Approved bool   `json:"approved"`
	Signed
}

// ── Result types ────────────────────────────────────────────────────────

// InfoResult is returned by loot_getInfo.
type InfoResult struct {
	Deployment  string   `json:"deployment,omitempty"`
	Mode        string   `json:"mode"`
	Granularity uint32   `json:"granularity"`
	Paused      bool     `json:"paused"`
	Operator    string   `json:"operator"`
	Admins      []string `json:"admins"`
	Options     int      `json:"options"`
	Treasury    uint64   `json:"treasury"`
	NodeID      string   `json:"node_id,omitempty"`
	Peers       int      `json:"peers"`
}

// OptionResult is returned by option_get and option_list.
type OptionResult struct {
	ID      option.ID     `json:"id"`
	Enabled bool          `json:"enabled"`
	Option  option.Option `json:"option"`
	Supply  supply.Status `json:"supply"`
	Funds   uint64        `json:"funds"`
}

// ValidateResult is returned by option_validate.
type ValidateResult struct {
	Valid       bool   `json:"valid"`
	Error       string `json:"error,omitempty"`
	CommonShare uint64 `json:"common_share"`
	Granularity uint32 `json:"granularity"`
}

// ClassResult is returned by class_get and class_list.
type ClassResult struct {
	Class string `json:"class"`
	Index uint8  `json:"index"`
	option.ClassRecord
}

// EventsResult is returned by events_list. Next is the cursor for the following page.
type EventsResult struct {
	Events []events.Event `json:"events"`
	Next   uint64         `json:"next"`
}

// BalanceResult is returned by ledger_getBalance.
type BalanceResult struct {
	Address  types.Address    `json:"address"`
	Holdings []ledger.Holding `json:"holdings"`
}

// GateResult is returned by admin_pause and admin_resume.
type GateResult struct {
	Paused bool `json:"paused"`
}

// ApprovalResult is returned by ledger_setApproval.
type ApprovalResult struct {
	Owner    types.Address `json:"owner"`
	Operator types.Address `json:"operator"`
	Approved bool          `json:"approved"`
}
