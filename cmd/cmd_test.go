package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"firestige.xyz/applayer/internal/config"
	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/engine"
	"firestige.xyz/applayer/plugins/parser/websocket"
)

const upgradeRequest = "GET /chat HTTP/1.1\r\n" +
	"Host: server.example.com\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: Upgrade\r\n" +
	"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
	"Sec-WebSocket-Version: 13\r\n\r\n"

const upgradeResponse = "HTTP/1.1 101 Switching Protocols\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: Upgrade\r\n" +
	"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n\r\n"

func loadProtocols(t *testing.T) []*engine.Protocol {
	t.Helper()
	protos, err := engine.LoadProtocols(nil)
	require.NoError(t, err)
	return protos
}

func TestRunProtocols(t *testing.T) {
	protos := loadProtocols(t)

	var buf bytes.Buffer
	require.NoError(t, runProtocols(&buf, protos, "table"))
	out := buf.String()
	assert.Contains(t, out, "NAME")
	for _, name := range []string{"websocket", "nfs", "ike"} {
		assert.Contains(t, out, name)
	}

	buf.Reset()
	require.NoError(t, runProtocols(&buf, protos, "yaml"))
	var docs []protocolDoc
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &docs))
	require.Len(t, docs, 3)
	for _, d := range docs {
		if d.Name == "ike" {
			assert.Equal(t, "udp", d.Transport)
			assert.Equal(t, []uint16{500, 4500}, d.Ports)
		}
	}

	assert.Error(t, runProtocols(&buf, protos, "xml"))
}

func TestRunProbe(t *testing.T) {
	protos := loadProtocols(t)

	var buf bytes.Buffer
	require.NoError(t, runProbe(&buf, protos, []byte(upgradeRequest), core.TransportTCP, core.ToServer, false))
	out := buf.String()
	assert.Regexp(t, `websocket\s+match`, out)
	assert.Regexp(t, `nfs\s+reject`, out)
	assert.NotContains(t, out, "ike", "udp parsers are not probed for tcp input")

	buf.Reset()
	require.NoError(t, runProbe(&buf, protos, []byte(upgradeRequest), core.TransportTCP, core.ToServer, true))
	out = buf.String()
	assert.Contains(t, out, "proto: websocket")
	assert.Contains(t, out, "status: ok")
	assert.Contains(t, out, "/chat")
}

func TestRunProbeShortInput(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, runProbe(&buf, loadProtocols(t), []byte{0x01}, core.TransportUDP, core.ToServer, false))
	assert.Regexp(t, `ike\s+need_more`, buf.String())
}

func TestDecodeHex(t *testing.T) {
	b, err := decodeHex(" 0x0a0b 0c\n0d ")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0x0b, 0x0c, 0x0d}, b)

	_, err = decodeHex("zz")
	assert.Error(t, err)
}

func TestParseDirection(t *testing.T) {
	d, err := parseDirection("ToClient")
	require.NoError(t, err)
	assert.Equal(t, core.ToClient, d)

	d, err = parseDirection("ts")
	require.NoError(t, err)
	assert.Equal(t, core.ToServer, d)

	_, err = parseDirection("sideways")
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "applayer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestRunValidate(t *testing.T) {
	valid := writeConfig(t, `
applayer:
  output:
    sink: yaml
    path: /tmp/out.yaml
  parsers:
    nfs:
      transport: udp
    ike:
      enabled: false
`)
	var buf bytes.Buffer
	require.NoError(t, runValidate(&buf, valid))
	assert.Contains(t, buf.String(), "VALID")
	assert.Contains(t, buf.String(), "2 parser(s)")

	badOption := writeConfig(t, `
applayer:
  parsers:
    nfs:
      transport: sctp
`)
	assert.ErrorIs(t, runValidate(&buf, badOption), core.ErrConfigInvalid)

	unknown := writeConfig(t, `
applayer:
  parsers:
    smtp: {}
`)
	assert.ErrorIs(t, runValidate(&buf, unknown), core.ErrProtocolNotFound)

	badSink := writeConfig(t, `
applayer:
  output:
    sink: kafka
`)
	assert.ErrorIs(t, runValidate(&buf, badSink), core.ErrProtocolNotFound)
}

func TestValidateSampleConfig(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, runValidate(&buf, filepath.Join("..", "configs", "applayer.yaml")))
	assert.Contains(t, buf.String(), "3 parser(s)")
	assert.Contains(t, buf.String(), `sink "console"`)
}

type tcpSeg struct {
	fromClient bool
	seq        uint32
	syn, fin   bool
	payload    []byte
}

func writeCapture(t *testing.T, segs []tcpSeg) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ws.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	client, server := net.IPv4(192, 0, 2, 1), net.IPv4(192, 0, 2, 2)
	ts := time.Unix(1700000000, 0)
	for i, s := range segs {
		src, dst := client, server
		sport, dport := layers.TCPPort(51000), layers.TCPPort(80)
		if !s.fromClient {
			src, dst, sport, dport = dst, src, dport, sport
		}
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: src, DstIP: dst}
		tcp := &layers.TCP{
			SrcPort: sport, DstPort: dport, Seq: s.seq,
			SYN: s.syn, ACK: !s.syn || !s.fromClient, FIN: s.fin, Window: 65535,
		}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		buf := gopacket.NewSerializeBuffer()
		require.NoError(t, gopacket.SerializeLayers(buf,
			gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
			&layers.Ethernet{
				SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
				DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
				EthernetType: layers.EthernetTypeIPv4,
			},
			ip, tcp, gopacket.Payload(s.payload)))
		data := buf.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

func TestRunReplay(t *testing.T) {
	mask := [4]byte{1, 2, 3, 4}
	frame := websocket.EncodeFrame(nil, true, websocket.OpText, []byte("hello"), &mask)

	const cISN, sISN = 1000, 9000
	req, resp := []byte(upgradeRequest), []byte(upgradeResponse)
	capture := writeCapture(t, []tcpSeg{
		{fromClient: true, seq: cISN, syn: true},
		{seq: sISN, syn: true},
		{fromClient: true, seq: cISN + 1, payload: req},
		{seq: sISN + 1, payload: resp},
		{fromClient: true, seq: cISN + 1 + uint32(len(req)), payload: frame},
		{fromClient: true, seq: cISN + 1 + uint32(len(req)+len(frame)), fin: true},
		{seq: sISN + 1 + uint32(len(resp)), fin: true},
	})

	out := filepath.Join(t.TempDir(), "out.yaml")
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Output = config.OutputConfig{Sink: "yaml", Options: map[string]any{"path": out}}

	require.NoError(t, runReplay(context.Background(), cfg, capture))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()

	var docs []map[string]any
	dec := yaml.NewDecoder(f)
	for {
		var d map[string]any
		err := dec.Decode(&d)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		docs = append(docs, d)
	}

	require.Len(t, docs, 2)
	assert.Equal(t, "websocket", docs[0]["proto"])
	assert.Equal(t, "tcp 192.0.2.1:51000 -> 192.0.2.2:80", docs[0]["flow"])
	labels, ok := docs[1]["labels"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", labels[core.LabelWSPayload])
	assert.Equal(t, "true", labels[core.LabelWSMasked])
}

func TestRunReplayMissingFile(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	err = runReplay(context.Background(), cfg, filepath.Join(t.TempDir(), "none.pcap"))
	assert.Error(t, err)
}
