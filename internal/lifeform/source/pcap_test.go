package source

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/resofly/internal/timeutil"
)

type capturedPacket struct {
	offset  time.Duration
	port    uint16
	payload []byte
}

var captureEpoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// buildCapture writes an Ethernet pcap of UDP datagrams into memory.
func buildCapture(t *testing.T, pkts ...capturedPacket) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	for _, p := range pkts {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IP{192, 168, 1, 20},
			DstIP:    net.IP{192, 168, 1, 10},
		}
		udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(p.port)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		sb := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(sb, opts, eth, ip, udp, gopacket.Payload(p.payload)))
		data := sb.Bytes()
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     captureEpoch.Add(p.offset),
			CaptureLength: len(data),
			Length:        len(data),
		}, data))
	}
	return bytes.NewReader(buf.Bytes())
}

func TestPCAPSourceFiltersAndPaces(t *testing.T) {
	t.Parallel()

	rs := buildCapture(t,
		capturedPacket{0, DefaultUDPPort, EncodeRawFrame(spike(1, 4, 2, 1))},
		capturedPacket{100 * time.Millisecond, 9999, EncodeRawFrame(spike(9, 4, 2, 7))},
		capturedPacket{200 * time.Millisecond, DefaultUDPPort, []byte{1, 2, 3}},
		capturedPacket{500 * time.Millisecond, DefaultUDPPort, EncodeRawFrame(spike(2, 4, 2, 4))},
		capturedPacket{10 * time.Second, DefaultUDPPort, EncodeRawFrame(spike(3, 4, 2, 5))},
	)
	clock := timeutil.NewMockClock(captureEpoch)
	src, err := NewPCAPSource(rs, PCAPConfig{Width: 4, Height: 2, Realtime: true, Clock: clock})
	require.NoError(t, err)
	defer src.Close()

	for _, idx := range []int{1, 4, 5} {
		m, err := src.GetFrame(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint8(255), m.GetUCharAt(idx/4, idx%4))
		m.Close()
	}
	assert.Equal(t, []time.Duration{500 * time.Millisecond, maxReplayGap}, clock.Sleeps())

	m, err := src.GetFrame(context.Background())
	defer m.Close()
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, src.IsAvailable())
}

func TestPCAPSourceLoops(t *testing.T) {
	t.Parallel()

	rs := buildCapture(t,
		capturedPacket{0, 6000, EncodeRawFrame(spike(1, 4, 2, 0))},
		capturedPacket{time.Second, 6000, EncodeRawFrame(spike(2, 4, 2, 3))},
	)
	src, err := NewPCAPSource(rs, PCAPConfig{Port: 6000, Width: 4, Height: 2, Loop: true})
	require.NoError(t, err)

	var hot []uint8
	for i := 0; i < 4; i++ {
		m, err := src.GetFrame(context.Background())
		require.NoError(t, err)
		hot = append(hot, m.GetUCharAt(0, 0))
		m.Close()
	}
	assert.Equal(t, []uint8{255, 0, 255, 0}, hot)
	assert.True(t, src.IsAvailable())
}

func TestPCAPSourceWithoutFramesStops(t *testing.T) {
	t.Parallel()

	rs := buildCapture(t, capturedPacket{0, 9999, []byte("not a frame")})
	src, err := NewPCAPSource(rs, PCAPConfig{Loop: true})
	require.NoError(t, err)

	m, err := src.GetFrame(context.Background())
	defer m.Close()
	assert.ErrorIs(t, err, ErrUnavailable, "looping a capture with no frames would spin")
}

func TestPCAPSourceRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := NewPCAPSource(bytes.NewReader([]byte("definitely not pcap")), PCAPConfig{})
	assert.Error(t, err)

	_, err = OpenPCAP("testdata/missing.pcap", PCAPConfig{})
	assert.Error(t, err)
}
