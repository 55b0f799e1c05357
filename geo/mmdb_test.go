package geo

import (
	"bytes"
	"encoding/binary"
	"math"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// mmdbFixture assembles a small IPv4-only MaxMind DB: a 24-bit search tree,
// the data section and the metadata map.
type mmdbFixture struct {
	nodes [][2]int // >=0 node index, -1 empty, <=-2 data offset
	data  bytes.Buffer
}

const mmdbEmpty = -1

func (f *mmdbFixture) add(t *testing.T, prefix string, rec map[string]any) {
	t.Helper()
	p := netip.MustParsePrefix(prefix)
	if !p.Addr().Is4() || p.Bits() == 0 {
		t.Fatalf("fixture prefix %s must be a non-default IPv4 prefix", prefix)
	}
	off := f.data.Len()
	mmdbEncode(t, &f.data, rec)
	if len(f.nodes) == 0 {
		f.nodes = append(f.nodes, [2]int{mmdbEmpty, mmdbEmpty})
	}
	addr := p.Addr().As4()
	n := 0
	for i := 0; i < p.Bits(); i++ {
		b := (addr[i/8] >> (7 - i%8)) & 1
		if i == p.Bits()-1 {
			f.nodes[n][b] = -(off + 2)
			break
		}
		next := f.nodes[n][b]
		if next == mmdbEmpty {
			f.nodes = append(f.nodes, [2]int{mmdbEmpty, mmdbEmpty})
			next = len(f.nodes) - 1
			f.nodes[n][b] = next
		} else if next < 0 {
			t.Fatalf("fixture prefix %s overlaps an earlier one", prefix)
		}
		n = next
	}
}

func (f *mmdbFixture) write(t *testing.T, dbType string) string {
	t.Helper()
	nodeCount := len(f.nodes)
	var out bytes.Buffer
	for _, node := range f.nodes {
		for _, rec := range node {
			var v uint32
			switch {
			case rec >= 0:
				v = uint32(rec)
			case rec == mmdbEmpty:
				v = uint32(nodeCount)
			default:
				v = uint32(nodeCount + 16 + (-rec - 2))
			}
			out.Write([]byte{byte(v >> 16), byte(v >> 8), byte(v)})
		}
	}
	out.Write(make([]byte, 16))
	out.Write(f.data.Bytes())
	out.WriteString("\xab\xcd\xefMaxMind.com")
	mmdbEncode(t, &out, map[string]any{
		"binary_format_major_version": uint16(2),
		"binary_format_minor_version": uint16(0),
		"build_epoch":                 uint64(1760745600),
		"database_type":               dbType,
		"description":                 map[string]any{"en": "ipenrich fixture"},
		"ip_version":                  uint16(4),
		"languages":                   []string{"en"},
		"node_count":                  uint32(nodeCount),
		"record_size":                 uint16(24),
	})
	path := filepath.Join(t.TempDir(), dbType+".mmdb")
	if err := os.WriteFile(path, out.Bytes(), 0o644); err != nil {
		t.Fatalf("write mmdb: %v", err)
	}
	return path
}

func mmdbEncode(t *testing.T, buf *bytes.Buffer, v any) {
	t.Helper()
	switch x := v.(type) {
	case string:
		mmdbControl(t, buf, 2, len(x))
		buf.WriteString(x)
	case float64:
		mmdbControl(t, buf, 3, 8)
		_ = binary.Write(buf, binary.BigEndian, math.Float64bits(x))
	case uint16:
		mmdbUint(t, buf, 5, uint64(x))
	case uint32:
		mmdbUint(t, buf, 6, uint64(x))
	case uint64:
		mmdbUint(t, buf, 9, x)
	case map[string]any:
		mmdbControl(t, buf, 7, len(x))
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			mmdbEncode(t, buf, k)
			mmdbEncode(t, buf, x[k])
		}
	case []string:
		mmdbControl(t, buf, 11, len(x))
		for _, s := range x {
			mmdbEncode(t, buf, s)
		}
	default:
		t.Fatalf("mmdb fixture: unsupported type %T", v)
	}
}

func mmdbUint(t *testing.T, buf *bytes.Buffer, typ int, v uint64) {
	t.Helper()
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], v)
	raw := bytes.TrimLeft(be[:], "\x00")
	mmdbControl(t, buf, typ, len(raw))
	buf.Write(raw)
}

// mmdbControl writes a control byte. Types above 7 use the extended form,
// where the type follows the control byte.
func mmdbControl(t *testing.T, buf *bytes.Buffer, typ, size int) {
	t.Helper()
	if size >= 285 {
		t.Fatalf("mmdb fixture: size %d too large", size)
	}
	sizeBits := size
	if size >= 29 {
		sizeBits = 29
	}
	if typ <= 7 {
		buf.WriteByte(byte(typ<<5 | sizeBits))
	} else {
		buf.WriteByte(byte(sizeBits))
		buf.WriteByte(byte(typ - 7))
	}
	if size >= 29 {
		buf.WriteByte(byte(size - 29))
	}
}

func names(en string) map[string]any {
	return map[string]any{"en": en}
}

// geoFixture writes a database of dbType with one fully populated city, a
// country-only network and an empty record.
func geoFixture(t *testing.T, dbType string) string {
	t.Helper()
	var f mmdbFixture
	f.add(t, "1.1.1.0/24", map[string]any{
		"city":      map[string]any{"names": names("Sydney")},
		"continent": map[string]any{"code": "OC", "names": names("Oceania")},
		"country":   map[string]any{"iso_code": "AU", "names": names("Australia")},
		"location": map[string]any{
			"latitude":  -33.8688,
			"longitude": 151.2093,
			"time_zone": "Australia/Sydney",
		},
	})
	f.add(t, "8.8.8.0/24", map[string]any{
		"continent": map[string]any{"code": "NA"},
		"country":   map[string]any{"iso_code": "US", "names": names("United States")},
	})
	f.add(t, "9.9.9.0/24", map[string]any{})
	return f.write(t, dbType)
}

func TestMMDBFixtureLayout(t *testing.T) {
	var f mmdbFixture
	f.add(t, "128.0.0.0/1", map[string]any{"x": "y"})
	if len(f.nodes) != 1 || f.nodes[0][0] != mmdbEmpty || f.nodes[0][1] != -2 {
		t.Fatalf("unexpected tree %v", f.nodes)
	}
	want := []byte{0xe1, 0x41, 'x', 0x41, 'y'}
	if got := f.data.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("data = % x, want % x", got, want)
	}
}
