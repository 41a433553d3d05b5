package toxfile

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/samber/lo"
)

// ErrUnknownFriend indicates a friend ID or address is not in the address book.
var ErrUnknownFriend = errors.New("unknown friend")

// addressBook maps friend IDs to network addresses in both directions.
// It implements file.AddressResolver.
type addressBook struct {
	mu       sync.RWMutex
	byFriend map[uint32]net.Addr
	byAddr   map[string]uint32
}

func newAddressBook() *addressBook {
	return &addressBook{
		byFriend: make(map[uint32]net.Addr),
		byAddr:   make(map[string]uint32),
	}
}

func (b *addressBook) set(friendID uint32, addr net.Addr) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.byFriend[friendID]; ok {
		delete(b.byAddr, old.String())
	}
	b.byFriend[friendID] = addr
	b.byAddr[addr.String()] = friendID
}

func (b *addressBook) remove(friendID uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if addr, ok := b.byFriend[friendID]; ok {
		delete(b.byAddr, addr.String())
		delete(b.byFriend, friendID)
	}
}

func (b *addressBook) friends() []uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return lo.Keys(b.byFriend)
}

// ResolveFriendID implements file.AddressResolver.
func (b *addressBook) ResolveFriendID(addr net.Addr) (uint32, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	friendID, ok := b.byAddr[addr.String()]
	if !ok {
		return 0, fmt.Errorf("%w: address %s", ErrUnknownFriend, addr)
	}
	return friendID, nil
}

// ResolveAddress implements file.AddressResolver.
func (b *addressBook) ResolveAddress(friendID uint32) (net.Addr, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	addr, ok := b.byFriend[friendID]
	if !ok {
		return nil, fmt.Errorf("%w: friend %d", ErrUnknownFriend, friendID)
	}
	return addr, nil
}
