package p2p

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-loot/internal/storage"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

func randomPeerID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatalf("peer id: %v", err)
	}
	return id
}

func TestBanManager_ScoreAccumulation(t *testing.T) {
	bm := NewBanManager(nil, nil)
	id := peer.ID("test-peer")

	for i := 0; i < 3; i++ {
		bm.RecordOffense(id, PenaltyMalformed, "bad announcement")
	}
	if bm.IsBanned(id) {
		t.Fatal("peer should not be banned below threshold")
	}
	if bm.Score(id) != 3*PenaltyMalformed {
		t.Errorf("score = %d, want %d", bm.Score(id), 3*PenaltyMalformed)
	}

	bm.RecordOffense(id, PenaltyMalformed, "bad announcement")
	if !bm.IsBanned(id) {
		t.Error("peer should be banned at threshold")
	}
	if bm.Score(id) != 0 {
		t.Error("score should reset once banned")
	}
}

func TestBanManager_InstantBanAndUnban(t *testing.T) {
	bm := NewBanManager(nil, nil)
	id := peer.ID("test-peer")

	bm.RecordOffense(id, PenaltyWrongNetwork, "wrong network")
	if !bm.IsBanned(id) {
		t.Fatal("peer should be banned")
	}
	if len(bm.BanList()) != 1 {
		t.Errorf("BanList len = %d, want 1", len(bm.BanList()))
	}
	bm.Unban(id)
	if bm.IsBanned(id) {
		t.Error("peer should not be banned after Unban")
	}
}

func TestBanManager_ExpiredBanDropped(t *testing.T) {
	bm := NewBanManager(nil, nil)
	id := peer.ID("test-peer")
	bm.bans[id] = &BanRecord{ID: id.String(), ExpiresAt: time.Now().Add(-time.Minute).Unix()}

	if bm.IsBanned(id) {
		t.Error("expired ban should not count")
	}
	if len(bm.bans) != 0 {
		t.Error("expired ban should be removed")
	}
}

func TestBanManager_Persistence(t *testing.T) {
	db := storage.NewMemory()
	id := randomPeerID(t)

	bm := NewBanManager(NewBanStore(db), nil)
	bm.RecordOffense(id, PenaltyWrongNetwork, "wrong network")

	restored := NewBanManager(NewBanStore(db), nil)
	restored.LoadBans()
	if !restored.IsBanned(id) {
		t.Fatal("ban did not survive reload")
	}

	restored.Unban(id)
	again := NewBanManager(NewBanStore(db), nil)
	again.LoadBans()
	if again.IsBanned(id) {
		t.Error("unban did not persist")
	}
}

func TestBanStore_PruneExpired(t *testing.T) {
	db := storage.NewMemory()
	bs := NewBanStore(db)
	now := time.Now()

	bs.Put(&BanRecord{ID: "expired", ExpiresAt: now.Add(-time.Hour).Unix()})
	bs.Put(&BanRecord{ID: "active", ExpiresAt: now.Add(time.Hour).Unix()})
	bs.Put(&BanRecord{ID: "permanent"})
	db.Put([]byte(banKeyPrefix+"corrupt"), []byte("{"))

	n, err := bs.PruneExpired()
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	var left []string
	bs.ForEach(func(rec *BanRecord) error {
		left = append(left, rec.ID)
		return nil
	})
	if len(left) != 2 {
		t.Errorf("remaining = %v, want active and permanent", left)
	}
}

func TestBanGater(t *testing.T) {
	bm := NewBanManager(nil, nil)
	g := &banGater{banMgr: bm}
	id := peer.ID("test-peer")

	if !g.InterceptPeerDial(id) || !g.InterceptSecured(0, id, nil) {
		t.Fatal("unbanned peer rejected")
	}
	bm.RecordOffense(id, PenaltyWrongNetwork, "wrong network")
	if g.InterceptPeerDial(id) || g.InterceptSecured(0, id, nil) {
		t.Error("banned peer allowed")
	}
}
