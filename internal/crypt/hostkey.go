package crypt

import (
	"bufio"
	"bytes"
	"context"
	"crypto/aes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

var (
	defaultSerial = []byte{45, 32, 67, 34, 67, 23, 21, 45, 7, 89, 3, 27, 39, 62, 15}
	hardCoded     = []byte{120, 26, 58, 29, 43, 77, 95, 103, 29, 86, 97, 105, 52, 16, 42, 63, 37, 100, 45, 109, 108, 79, 75, 71, 11, 46, 36, 62, 124, 12, 7, 127}
)

// ErrCiphertext is returned when a value is not valid host-key ciphertext.
var ErrCiphertext = errors.New("invalid host-key ciphertext")

// Host identifies the machine a host key is derived from.
type Host struct {
	MAC      []byte
	Hostname string
	Serial   []byte
}

// HostKey encrypts and decrypts values with AES under a key derived from the
// local machine, so ciphertext only decrypts on the host that produced it.
type HostKey struct {
	key []byte
}

// NewHostKey derives the key for h.
func NewHostKey(h Host) *HostKey {
	serial := h.Serial
	if len(serial) == 0 {
		serial = defaultSerial
	}
	mixed := xor(hardCoded, xor(serial, xor(h.MAC, []byte(h.Hostname))))
	sum := sha256.Sum256(mixed)
	return &HostKey{key: sum[:]}
}

// DetectHostKey derives the key for the current machine.
func DetectHostKey() (*HostKey, error) {
	h, err := DetectHost()
	if err != nil {
		return nil, err
	}
	return NewHostKey(h), nil
}

// Encrypt returns upper-case hex ciphertext of plaintext.
func (k *HostKey) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return "", err
	}
	data := pad([]byte(plaintext), block.BlockSize())
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Encrypt(out[i:], data[i:])
	}
	return strings.ToUpper(hex.EncodeToString(out)), nil
}

// Decrypt returns the clear text of value. Values that are not ciphertext
// for this host are returned unchanged.
func (k *HostKey) Decrypt(name, value string) (string, error) {
	clear, err := k.decrypt(value)
	if err != nil {
		return value, nil
	}
	return clear, nil
}

func (k *HostKey) decrypt(value string) (string, error) {
	data, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return "", err
	}
	bs := block.BlockSize()
	if len(data) == 0 || len(data)%bs != 0 {
		return "", ErrCiphertext
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += bs {
		block.Decrypt(out[i:], data[i:])
	}
	out, err = unpad(out, bs)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// pad applies PKCS#5 padding.
func pad(data []byte, bs int) []byte {
	n := bs - len(data)%bs
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, bs int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > bs || n > len(data) {
		return nil, ErrCiphertext
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrCiphertext
		}
	}
	return data[:len(data)-n], nil
}

// xor combines a and b byte by byte; the shorter slice is padded with zeros.
func xor(a, b []byte) []byte {
	out := make([]byte, max(len(a), len(b)))
	for i := range out {
		var x, y byte
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		out[i] = x ^ y
	}
	return out
}

// DetectHost reads the hostname, the hardware address of the first interface
// that has one, and the machine serial number when it can be found.
func DetectHost() (Host, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return Host{}, fmt.Errorf("reading hostname: %w", err)
	}
	return Host{
		MAC:      hardwareAddr(),
		Hostname: hostname,
		Serial:   serialNumber(runtime.GOOS),
	}, nil
}

func hardwareAddr() []byte {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr
	}
	return nil
}

// serialNumber returns nil when the serial cannot be read; NewHostKey then
// falls back to a fixed value.
func serialNumber(goos string) []byte {
	switch goos {
	case "windows":
		out := run("wmic", "bios", "get", "serialnumber")
		fields := strings.Fields(string(out))
		for i, f := range fields {
			if f == "SerialNumber" && i+1 < len(fields) {
				return []byte(strings.Join(fields[i+1:], ""))
			}
		}
	case "darwin":
		return afterMarker(run("/usr/sbin/system_profiler", "SPHardwareDataType"), "Serial Number")
	case "linux", "aix":
		if sn := afterMarker(run("lshal"), "system.hardware.serial"); sn != nil {
			return sn
		}
		if data, err := os.ReadFile("/sys/class/dmi/id/product_serial"); err == nil {
			if sn := strings.TrimSpace(string(data)); sn != "" {
				return []byte(sn)
			}
		}
	}
	return nil
}

func run(name string, args ...string) []byte {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return nil
	}
	return out
}

func afterMarker(out []byte, marker string) []byte {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if _, rest, ok := strings.Cut(line, marker); ok {
			rest = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(rest), ":="))
			if rest != "" {
				return []byte(rest)
			}
		}
	}
	return nil
}
