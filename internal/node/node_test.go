package node

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Klingon-tech/klingnet-loot/config"
	"github.com/Klingon-tech/klingnet-loot/internal/access"
	"github.com/Klingon-tech/klingnet-loot/internal/issuance"
	"github.com/Klingon-tech/klingnet-loot/internal/opener"
	"github.com/Klingon-tech/klingnet-loot/internal/option"
	"github.com/Klingon-tech/klingnet-loot/internal/rpc"
	"github.com/Klingon-tech/klingnet-loot/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-loot/pkg/crypto"
	"github.com/Klingon-tech/klingnet-loot/pkg/types"
)

var buyer = types.Address{0xb0}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	tests := []struct {
		input, want string
	}{
		{"~/foo/bar", filepath.Join(home, "foo/bar")},
		{"~/.klingnet-loot/deployment.json", filepath.Join(home, ".klingnet-loot/deployment.json")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}
	for _, tt := range tests {
		got := expandHome(tt.input)
		if got != tt.want {
			t.Errorf("expandHome(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestMergeAdmins(t *testing.T) {
	a := types.Address{0x01}
	b := types.Address{0x02}
	dep := &config.Deployment{Admins: []string{a.String()}}

	got, err := mergeAdmins(dep, []string{b.String(), a.String()})
	if err != nil {
		t.Fatalf("mergeAdmins() error: %v", err)
	}
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Errorf("mergeAdmins() = %v, want [%s %s]", got, a, b)
	}

	if _, err := mergeAdmins(dep, []string{"0xnope"}); err == nil {
		t.Error("expected error for bad address")
	}
}

// testConfig returns a config rooted in a temp dir with RPC on a random port.
func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.RPC.Port = 0
	cfg.Log.Level = "error"
	cfg.Log.File = filepath.Join(dir, "test.log")
	return cfg
}

// writeDeployment writes a deployment with one mythic-only option and a
// preminted mythic pool administered by admin.
func writeDeployment(t *testing.T, cfg *config.Config, admin types.Address) *config.Deployment {
	t.Helper()
	dep := &config.Deployment{
		ID:          "node-test",
		Granularity: 10000,
		Admins:      []string{admin.String()},
		Options: []config.DeploymentOption{
			{ID: 1, QuantityPerOpen: 2, Capacity: 5, Probabilities: map[string]uint32{"mythic": 10000}},
			{ID: 2, QuantityPerOpen: 1, Probabilities: map[string]uint32{"rare": 5000}},
		},
		Pools: []config.PremintedPool{{Class: "mythic", Amount: 100}},
	}
	if err := dep.Save(cfg.DeploymentFile()); err != nil {
		t.Fatalf("save deployment: %v", err)
	}
	return dep
}

func TestNode_AppliesDeployment(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	key, _ := crypto.GenerateKey()
	dep := writeDeployment(t, cfg, key.Address())

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer n.Stop()

	rec, err := n.Registry().Class(option.Mythic)
	if err != nil {
		t.Fatalf("Class() error: %v", err)
	}
	if !rec.Preminted || rec.Pool != key.Address() {
		t.Fatalf("mythic class = %+v, want preminted from admin pool", rec)
	}
	if bal, _ := n.Ledger().BalanceOf(key.Address(), rec.TokenID); bal != 100 {
		t.Errorf("pool balance = %d, want 100", bal)
	}
	if ok, _ := n.Ledger().IsAuthorizedFor(context.Background(), key.Address(), dep.Operator()); !ok {
		t.Error("operator not approved by pool owner")
	}

	c := rpcclient.New("http://" + n.RPCAddr() + "/")
	info, err := c.Info()
	if err != nil {
		t.Fatalf("Info() error: %v", err)
	}
	if info.Deployment != "node-test" || info.Options != 2 {
		t.Errorf("info = %+v", info)
	}

	res, err := c.Open(&rpc.OpenParam{Option: 1, Recipient: buyer.String(), Quantity: 2}, key)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if res.ItemsIssued != 4 {
		t.Fatalf("items issued = %d, want 4", res.ItemsIssued)
	}
	for _, it := range res.Items {
		if it.Method != issuance.MethodTransfer || it.TokenID != rec.TokenID {
			t.Errorf("item = %+v, want transfer from mythic pool", it)
		}
	}
	if bal, _ := n.Ledger().BalanceOf(buyer, rec.TokenID); bal != 4 {
		t.Errorf("buyer balance = %d, want 4", bal)
	}
	if bal, _ := n.Ledger().BalanceOf(key.Address(), rec.TokenID); bal != 96 {
		t.Errorf("pool balance = %d, want 96", bal)
	}
}

func TestNode_DeploymentAppliedOnce(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.RPC.Enabled = false
	key, _ := crypto.GenerateKey()
	writeDeployment(t, cfg, key.Address())

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	// Change option 2 at runtime; a restart must not reset it.
	if err := n.Registry().SetOption(2, option.Option{}); err != nil {
		t.Fatalf("SetOption() error: %v", err)
	}
	n.Stop()

	n, err = New(cfg)
	if err != nil {
		t.Fatalf("reopen New() error: %v", err)
	}
	defer n.Stop()

	opt, err := n.Registry().Option(2)
	if err != nil {
		t.Fatalf("Option() error: %v", err)
	}
	if opt.Enabled() {
		t.Error("deployment re-applied on restart")
	}
	lots, err := n.Ledger().Lots()
	if err != nil {
		t.Fatalf("Lots() error: %v", err)
	}
	if len(lots) != 1 {
		t.Errorf("lots = %d, want 1", len(lots))
	}
}

func TestNode_GranularityMismatch(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.DB.Engine = config.EngineMemory
	key, _ := crypto.GenerateKey()
	writeDeployment(t, cfg, key.Address())
	cfg.Loot.Granularity = 100

	_, err := New(cfg)
	if !errors.Is(err, ErrGranularityMismatch) {
		t.Fatalf("New() error = %v, want ErrGranularityMismatch", err)
	}
}

func TestNode_ImplicitDeployment(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.DB.Engine = config.EngineMemory
	cfg.RPC.Enabled = false

	// No admins anywhere is refused.
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error without administrators")
	}

	key, _ := crypto.GenerateKey()
	cfg.Admin.Addresses = []string{key.Address().String()}
	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer n.Stop()

	if err := n.Registry().SetOption(1, option.Option{QuantityPerOpen: 1, Probabilities: option.Probabilities{0, 10000}}); err != nil {
		t.Fatalf("SetOption() error: %v", err)
	}

	req := opener.Request{OptionID: 1, Recipient: buyer, Quantity: 1}
	if _, err := n.Open(context.Background(), req); !errors.Is(err, access.ErrUnauthorized) {
		t.Fatalf("Open() without caller error = %v, want ErrUnauthorized", err)
	}
	ctx := access.WithCaller(context.Background(), key.Address())
	res, err := n.Open(ctx, req)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if res.Items[0].Class != option.Uncommon || res.Items[0].Method != issuance.MethodCreateLot {
		t.Errorf("item = %+v, want a new uncommon lot", res.Items[0])
	}
	if n.Report().Opens.Load() != 1 {
		t.Errorf("opens = %d, want 1", n.Report().Opens.Load())
	}
}
