package core_test

import (
	"errors"
	"math/rand"
	"net/netip"
	"testing"
	"time"

	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/internal/testutil"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_RoundTripEveryType(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for _, typ := range core.AllRecordTypes() {
		t.Run(typ.String(), func(t *testing.T) {
			for i := 0; i < 20; i++ {
				e := testutil.RandomEntry(r, typ)
				require.Equal(t, typ, e.RecordType())

				payload, err := core.EncodeEntry(e)
				require.NoError(t, err)

				decoded, err := core.DecodeEntry(typ, payload)
				require.NoError(t, err)
				assert.Equal(t, e, decoded)
			}
		})
	}
}

func TestCodec_RoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	types := core.AllRecordTypes()
	properties.Property("decode(encode(e)) == e", prop.ForAll(
		func(seed int64, idx int) bool {
			r := rand.New(rand.NewSource(seed))
			e := testutil.RandomEntry(r, types[idx])
			payload, err := core.EncodeEntry(e)
			if err != nil {
				return false
			}
			decoded, err := core.DecodeEntry(e.RecordType(), payload)
			if err != nil {
				return false
			}
			return assert.ObjectsAreEqual(e, decoded)
		},
		gen.Int64(),
		gen.IntRange(0, len(types)-1),
	))

	properties.TestingRun(t)
}

func TestCodec_EmptyBytesDecodeAsNil(t *testing.T) {
	payload, err := core.EncodeEntry(core.FdWrite{Fd: 4, Offset: 10, Data: []byte{}})
	require.NoError(t, err)
	decoded, err := core.DecodeEntry(core.TypeFdWrite, payload)
	require.NoError(t, err)
	assert.Nil(t, decoded.(core.FdWrite).Data)
}

func TestCodec_DecodedBytesAliasPayload(t *testing.T) {
	payload, err := core.EncodeEntry(core.FdWrite{Fd: 4, Data: []byte("abc")})
	require.NoError(t, err)
	decoded, err := core.DecodeEntry(core.TypeFdWrite, payload)
	require.NoError(t, err)

	owned := core.Clone(decoded).(core.FdWrite)
	for i := range payload {
		payload[i] = 0
	}
	assert.Equal(t, []byte{0, 0, 0}, decoded.(core.FdWrite).Data)
	assert.Equal(t, []byte("abc"), owned.Data)
}

func TestCodec_TruncatedPayload(t *testing.T) {
	payload, err := core.EncodeEntry(core.OpenFd{Fd: 5, DirFd: 3, Path: "data/file.txt", OFlags: core.OFlagCreat})
	require.NoError(t, err)

	for cut := 0; cut < len(payload); cut++ {
		_, err := core.DecodeEntry(core.TypeOpenFd, payload[:cut])
		require.Error(t, err, "cut=%d", cut)
		var ce *core.CorruptError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, core.CorruptPayload, ce.Kind)
		assert.Equal(t, core.TypeOpenFd, ce.Type)
	}
}

func TestCodec_TrailingBytesIgnored(t *testing.T) {
	payload, err := core.EncodeEntry(core.CloseFd{Fd: 9})
	require.NoError(t, err)
	payload = append(payload, 0xAA, 0xBB)
	decoded, err := core.DecodeEntry(core.TypeCloseFd, payload)
	require.NoError(t, err)
	assert.Equal(t, core.CloseFd{Fd: 9}, decoded)
}

func TestCodec_UnknownType(t *testing.T) {
	_, err := core.DecodeEntry(core.RecordType(4000), []byte{1, 2, 3})
	assert.ErrorIs(t, err, core.ErrUnknownRecordType)
	assert.False(t, core.RecordType(4000).Known())
	assert.Equal(t, "RecordType(4000)", core.RecordType(4000).String())
}

func TestCodec_Addresses(t *testing.T) {
	cases := []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.1:80"),
		netip.MustParseAddrPort("[2001:db8::1]:443"),
		netip.MustParseAddrPort("[::ffff:1.2.3.4]:53"),
		{},
	}
	for _, addr := range cases {
		payload, err := core.EncodeEntry(core.SocketBind{Fd: 7, Addr: addr})
		require.NoError(t, err)
		decoded, err := core.DecodeEntry(core.TypeSocketBind, payload)
		require.NoError(t, err)
		assert.Equal(t, addr, decoded.(core.SocketBind).Addr, addr.String())
	}
}

func TestCodec_Snapshot(t *testing.T) {
	when := time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC)
	payload, err := core.EncodeEntry(core.Snapshot{When: when, Trigger: core.TriggerSigint})
	require.NoError(t, err)
	decoded, err := core.DecodeEntry(core.TypeSnapshot, payload)
	require.NoError(t, err)
	snap := decoded.(core.Snapshot)
	assert.True(t, when.Equal(snap.When))
	assert.Equal(t, core.TriggerSigint, snap.Trigger)
}

func TestEstimateSize(t *testing.T) {
	small := core.EstimateSize(core.CloseFd{Fd: 1})
	assert.Equal(t, 4+core.RecordOverhead, small)

	big := core.EstimateSize(core.FdWrite{Fd: 1, Data: make([]byte, 1000)})
	assert.Greater(t, big, 1000)
}

func TestSnapshotTrigger(t *testing.T) {
	for i := core.TriggerIdle; i <= core.TriggerExplicit; i++ {
		parsed, err := core.ParseSnapshotTrigger(i.String())
		require.NoError(t, err)
		assert.Equal(t, i, parsed)
	}
	assert.True(t, core.TriggerFirstListen.OnlyOnce())
	assert.False(t, core.TriggerPeriodicInterval.OnlyOnce())
	_, err := core.ParseSnapshotTrigger("bogus")
	assert.Error(t, err)
}

func TestErrors(t *testing.T) {
	err := core.NewReplayError("fd_close", errors.New("boom"), core.Fd(3))
	assert.Equal(t, "replay fd_close(3) failed: boom", err.Error())
	assert.True(t, core.IsReplayError(err))

	ce := &core.CorruptError{Path: "a.journal", Offset: 42, Kind: core.CorruptChecksum}
	assert.Contains(t, ce.Error(), "a.journal")
	assert.Contains(t, ce.Error(), "offset 42")

	assert.True(t, core.IsCapabilityError(core.ErrJournalUnsupported))
	assert.False(t, core.IsCapabilityError(core.ErrJournalClosed))
}
