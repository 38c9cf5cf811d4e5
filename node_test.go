package hycast

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

type completion struct {
	info ProdInfo
	data []byte
}

// startSubscriber wires up and runs a subscriber whose completions land
// on the returned channel.
func startSubscriber(t *testing.T, pool *ServerPool) (*Subscriber, chan completion) {
	t.Helper()
	done := make(chan completion, 8)
	sub, err := NewSubscriber(testConfig(4), NewMemRepo(), pool,
		WithCompletionHandler(func(info ProdInfo, data []byte) {
			done <- completion{info, data}
		}))
	if err != nil {
		t.Fatalf("new subscriber: %s", err)
	}
	go sub.Run()
	t.Cleanup(sub.Halt)
	return sub, done
}

func startPublisher(t *testing.T, maxPeers uint16) (*Publisher, *MemRepo) {
	t.Helper()
	repo := NewMemRepo()
	pub, err := NewPublisher(testConfig(maxPeers), repo)
	if err != nil {
		t.Fatalf("new publisher: %s", err)
	}
	go pub.Run()
	t.Cleanup(pub.Halt)
	return pub, repo
}

func TestPubSubTransfer(t *testing.T) {
	pub, _ := startPublisher(t, 4)

	pool := NewServerPool(200 * time.Millisecond)
	pool.Add(pub.LclAddr())
	sub, done := startSubscriber(t, pool)

	waitUntil(t, "subscriber connection", func() bool { return pub.mgr.Size() == 1 })

	// a multi-segment product travels over pure P2P (no multicast here)
	data := prodBytes(2*int(CanonSegSize) + 50)
	info, err := pub.Publish("data/transfer.bin", data)
	if err != nil {
		t.Fatalf("publish: %s", err)
	}

	got := recvOr(t, done, "product completion")
	if got.info != info {
		t.Errorf("completed %s, want %s", got.info, info)
	}
	if !bytes.Equal(got.data, data) {
		t.Error("received bytes differ from the published ones")
	}

	// connecting to the publisher is a path to the publisher
	waitUntil(t, "path status", sub.HasPathToPub)
}

func TestSubscriberRelay(t *testing.T) {
	pub, _ := startPublisher(t, 4)

	pool1 := NewServerPool(200 * time.Millisecond)
	pool1.Add(pub.LclAddr())
	sub1, done1 := startSubscriber(t, pool1)

	// sub2 only knows sub1; everything must arrive by relay
	pool2 := NewServerPool(200 * time.Millisecond)
	pool2.Add(sub1.LclAddr())
	sub2, done2 := startSubscriber(t, pool2)

	waitUntil(t, "pub<-sub1 connection", func() bool { return pub.mgr.Size() == 1 })
	waitUntil(t, "sub1<-sub2 connection", func() bool { return sub1.mgr.Size() == 2 })

	data := prodBytes(int(CanonSegSize) + 25)
	info, err := pub.Publish("data/relay.bin", data)
	if err != nil {
		t.Fatalf("publish: %s", err)
	}

	got1 := recvOr(t, done1, "completion at sub1")
	if !bytes.Equal(got1.data, data) {
		t.Error("sub1 got different bytes")
	}
	got2 := recvOr(t, done2, "completion at sub2")
	if got2.info != info || !bytes.Equal(got2.data, data) {
		t.Error("sub2 got a different product")
	}

	// path status propagates through the mesh
	waitUntil(t, "sub2 path status", sub2.HasPathToPub)
}

func TestPublisherRejectsWhenFull(t *testing.T) {
	pub, _ := startPublisher(t, 1)

	pool1 := NewServerPool(200 * time.Millisecond)
	pool1.Add(pub.LclAddr())
	startSubscriber(t, pool1)
	waitUntil(t, "first subscriber", func() bool { return pub.mgr.Size() == 1 })

	pool2 := NewServerPool(200 * time.Millisecond)
	pool2.Add(pub.LclAddr())
	startSubscriber(t, pool2)

	// the second subscriber keeps knocking but the set never grows
	time.Sleep(600 * time.Millisecond)
	if n := pub.mgr.Size(); n != 1 {
		t.Errorf("publisher peer count = %d, want 1", n)
	}
}

func TestPublishValidation(t *testing.T) {
	pub, _ := startPublisher(t, 4)

	if _, err := pub.Publish("", []byte("x")); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty name = %v, want ErrInvalidArgument", err)
	}
	if _, err := pub.Publish("data/x", nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty data = %v, want ErrInvalidArgument", err)
	}
}

func TestPublishedProductServedFromRepo(t *testing.T) {
	pub, repo := startPublisher(t, 4)

	data := prodBytes(100)
	info, err := pub.Publish("data/kept.bin", data)
	if err != nil {
		t.Fatalf("publish: %s", err)
	}

	// a publisher keeps what it published, for late repair requests
	gotInfo, ok := repo.GetProdInfo(info.Index)
	if !ok || gotInfo != info {
		t.Error("published info not in the repository")
	}
	seg, ok := repo.GetDataSeg(DataSegId{Prod: info.Index, Offset: 0})
	if !ok || !bytes.Equal(seg.Data, data) {
		t.Error("published segment not in the repository")
	}
}
