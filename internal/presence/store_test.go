package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeConn struct{ closed bool }

func (f *fakeConn) Close() { f.closed = true }

func TestRegisterDisplacesOlder(t *testing.T) {
	s := NewStore()
	c1 := &fakeConn{}
	c2 := &fakeConn{}

	prev, displaced := s.RegisterKiosk("kiosk-1", c1)
	assert.False(t, displaced)
	assert.Nil(t, prev)

	prev, displaced = s.RegisterKiosk("kiosk-1", c2)
	assert.True(t, displaced)
	assert.Same(t, c1, prev)

	e, ok := s.Kiosk("kiosk-1")
	assert.True(t, ok)
	assert.Same(t, c2, e.Conn)
}

func TestStaleUnregisterIgnored(t *testing.T) {
	s := NewStore()
	c1 := &fakeConn{}
	c2 := &fakeConn{}

	s.RegisterKiosk("kiosk-1", c1)
	s.RegisterKiosk("kiosk-1", c2)

	// c1's late disconnect must not evict c2's registration.
	assert.False(t, s.UnregisterKiosk("kiosk-1", c1))
	_, ok := s.Kiosk("kiosk-1")
	assert.True(t, ok)

	assert.True(t, s.UnregisterKiosk("kiosk-1", c2))
	_, ok = s.Kiosk("kiosk-1")
	assert.False(t, ok)
}

func TestKioskIDsSorted(t *testing.T) {
	s := NewStore()
	s.RegisterKiosk("kiosk-b", &fakeConn{})
	s.RegisterKiosk("kiosk-a", &fakeConn{})
	s.RegisterMonitor("monitor-1", &fakeConn{})

	assert.Equal(t, []string{"kiosk-a", "kiosk-b"}, s.KioskIDs())

	k, m := s.Counts()
	assert.Equal(t, 2, k)
	assert.Equal(t, 1, m)
	assert.Len(t, s.MonitorConns(), 1)
}
