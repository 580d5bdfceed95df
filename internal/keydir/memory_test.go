package keydir

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mesmerverse/securechat/internal/model"
)

func TestMemory_ClaimEpochSingleWinner(t *testing.T) {
	dir := NewMemory()
	ctx := context.Background()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			won, err := dir.ClaimEpoch(ctx, "c1", 1, fmt.Sprintf("device-%d", i), time.Minute)
			if err != nil {
				t.Errorf("ClaimEpoch failed: %v", err)
			}
			if won {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly one winner, got %d", wins)
	}
}

func TestMemory_ClaimEpochIdempotentForOwner(t *testing.T) {
	dir := NewMemory()
	ctx := context.Background()

	dir.ClaimEpoch(ctx, "c1", 1, "alice/phone", time.Minute)
	if won, _ := dir.ClaimEpoch(ctx, "c1", 1, "alice/phone", time.Minute); !won {
		t.Error("Expected owner to keep its claim")
	}
	if won, _ := dir.ClaimEpoch(ctx, "c1", 1, "alice/laptop", time.Minute); won {
		t.Error("Expected another device of the same user to lose")
	}
}

func TestMemory_LapsedClaimCanBeTaken(t *testing.T) {
	dir := NewMemory()
	now := time.Unix(1000, 0)
	dir.now = func() time.Time { return now }
	ctx := context.Background()

	if won, _ := dir.ClaimEpoch(ctx, "c1", 1, "ghost", 10*time.Second); !won {
		t.Fatal("Expected first claim to win")
	}
	now = now.Add(5 * time.Second)
	if won, _ := dir.ClaimEpoch(ctx, "c1", 1, "alice/phone", 10*time.Second); won {
		t.Fatal("Expected a live claim to block other claimants")
	}
	// Renewal extends the lease.
	dir.ClaimEpoch(ctx, "c1", 1, "ghost", 10*time.Second)
	now = now.Add(8 * time.Second)
	if won, _ := dir.ClaimEpoch(ctx, "c1", 1, "alice/phone", 10*time.Second); won {
		t.Fatal("Expected a renewed claim to block other claimants")
	}

	now = now.Add(3 * time.Second)
	if won, _ := dir.ClaimEpoch(ctx, "c1", 1, "alice/phone", 10*time.Second); !won {
		t.Fatal("Expected a lapsed claim to be taken over")
	}
	if err := dir.ActivateEpoch(ctx, "c1", 1, "ghost", nil); !errors.Is(err, ErrClaimLost) {
		t.Errorf("Expected the previous holder to be refused, got %v", err)
	}
	if err := dir.ActivateEpoch(ctx, "c1", 1, "alice/phone", nil); err != nil {
		t.Errorf("Expected the new holder to activate, got %v", err)
	}
}

func TestMemory_ActivateRequiresClaim(t *testing.T) {
	dir := NewMemory()
	ctx := context.Background()
	share := model.KeyShare{CommunityID: "c1", KeyID: 1, RecipientID: "bob", DistributorID: "alice", Envelope: []byte{1}}

	if err := dir.ActivateEpoch(ctx, "c1", 1, "alice/phone", []model.KeyShare{share}); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("Expected ErrClaimLost without a claim, got %v", err)
	}
	if _, err := dir.GetShare(ctx, "c1", 1, "bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected no share published by a refused activation, got %v", err)
	}

	dir.ClaimEpoch(ctx, "c1", 1, "alice/phone", time.Minute)
	if err := dir.ActivateEpoch(ctx, "c1", 1, "alice/phone", []model.KeyShare{share}); err != nil {
		t.Fatalf("ActivateEpoch failed: %v", err)
	}
	if id, _ := dir.ActiveKeyID(ctx, "c1"); id != 1 {
		t.Errorf("Expected active key 1, got %d", id)
	}
	if _, err := dir.GetShare(ctx, "c1", 1, "bob"); err != nil {
		t.Errorf("Expected the share to be published with activation: %v", err)
	}
}

func TestMemory_ActivateIsMonotonic(t *testing.T) {
	dir := NewMemory()
	ctx := context.Background()

	if id, _ := dir.ActiveKeyID(ctx, "c1"); id != 0 {
		t.Fatalf("Expected no active key, got %d", id)
	}
	dir.ClaimEpoch(ctx, "c1", 1, "alice/phone", time.Minute)
	dir.ClaimEpoch(ctx, "c1", 2, "alice/phone", time.Minute)
	if err := dir.ActivateEpoch(ctx, "c1", 2, "alice/phone", nil); err != nil {
		t.Fatalf("ActivateEpoch failed: %v", err)
	}
	if err := dir.ActivateEpoch(ctx, "c1", 1, "alice/phone", nil); !errors.Is(err, ErrClaimLost) {
		t.Errorf("Expected a superseded epoch to be refused, got %v", err)
	}
	if id, _ := dir.ActiveKeyID(ctx, "c1"); id != 2 {
		t.Errorf("Active key id lowered to %d", id)
	}
}

func TestMemory_SharesAndMarkers(t *testing.T) {
	dir := NewMemory()
	ctx := context.Background()

	err := dir.PutShares(ctx, []model.KeyShare{
		{CommunityID: "c1", KeyID: 1, RecipientID: "bob", DistributorID: "alice", Envelope: []byte{1}},
		{CommunityID: "c1", KeyID: 1, RecipientID: "carol", DistributorID: "alice", Envelope: []byte{2}},
	})
	if err != nil {
		t.Fatalf("PutShares failed: %v", err)
	}

	s, err := dir.GetShare(ctx, "c1", 1, "carol")
	if err != nil || s.Envelope[0] != 2 {
		t.Fatalf("Unexpected share %+v, %v", s, err)
	}
	if _, err := dir.GetShare(ctx, "c1", 2, "carol"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	dir.UpsertMarker(ctx, model.MembershipMarker{CommunityID: "c1", UserID: "bob", CurrentKeyID: 1})
	dir.UpsertMarker(ctx, model.MembershipMarker{CommunityID: "c1", UserID: "bob", CurrentKeyID: 2})
	mk, err := dir.Marker(ctx, "c1", "bob")
	if err != nil || mk.CurrentKeyID != 2 {
		t.Errorf("Expected marker at key 2, got %+v, %v", mk, err)
	}
}

func TestMemory_Offline(t *testing.T) {
	dir := NewMemory()
	dir.SetOnline(false)

	if _, err := dir.ActiveKeyID(context.Background(), "c1"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
	dir.SetOnline(true)
	if _, err := dir.ActiveKeyID(context.Background(), "c1"); err != nil {
		t.Errorf("Expected success after coming online, got %v", err)
	}
}

func TestRedis_KeyLayout(t *testing.T) {
	r := NewRedisWithClient(nil, "")
	if got := r.epochKey("c1", 3); got != "securechat:epoch:c1:3" {
		t.Errorf("Unexpected epoch key %s", got)
	}
	if got := r.shareKey("c1", 3); got != "securechat:share:c1:3" {
		t.Errorf("Unexpected share key %s", got)
	}
	if got := NewRedisWithClient(nil, "x:").bundleKey("bob"); got != "x:bundle:bob" {
		t.Errorf("Unexpected bundle key %s", got)
	}
}
