package iface

import (
	"bufio"
	"bytes"
	"io/fs"
	"os"
	"runtime"
	"strings"
)

var (
	otherPrefixes = []string{
		"lo", "docker", "veth", "virbr", "br", "bridge", "tun", "tap", "utun",
		"wg", "awdl", "llw", "gif", "stf", "anpi", "ipsec", "vmnet", "zt",
	}
	wwanPrefixes = []string{"pdp_ip", "wwan", "wwp", "rmnet", "ccmni", "ppp"}
	wlanPrefixes = []string{"wlan", "wlp", "wlx", "wl", "ath", "ra"}
	// "en" on linux is systemd predictable naming for ethernet.
	wiredPrefixes = []string{"eth", "enp", "eno", "ens", "enx", "em", "en"}
)

// Classifier maps interface names to classes. On linux it consults sysfs
// first and falls back to name rules.
type Classifier struct {
	goos  string
	sysfs fs.FS
}

// NewClassifier builds a classifier for goos. sysfs is rooted at
// /sys/class/net and may be nil.
func NewClassifier(goos string, sysfs fs.FS) *Classifier {
	return &Classifier{goos: goos, sysfs: sysfs}
}

// DefaultClassifier classifies for the running system.
func DefaultClassifier() *Classifier {
	var sysfs fs.FS
	if runtime.GOOS == "linux" {
		sysfs = os.DirFS("/sys/class/net")
	}
	return NewClassifier(runtime.GOOS, sysfs)
}

func (c *Classifier) Classify(name string, loopback bool) Class {
	if loopback {
		return ClassOther
	}
	if class, ok := c.fromSysfs(name); ok {
		return class
	}

	switch {
	case hasAnyPrefix(name, wwanPrefixes):
		return ClassWWAN
	case hasAnyPrefix(name, otherPrefixes):
		return ClassOther
	case c.goos == "darwin" || c.goos == "ios":
		// Apple names both Wi-Fi and ethernet "enN"; en0 is the built-in
		// Wi-Fi on every device that has one.
		if strings.HasPrefix(name, "en") {
			return ClassWLAN
		}
		return ClassOther
	case hasAnyPrefix(name, wlanPrefixes):
		return ClassWLAN
	case hasAnyPrefix(name, wiredPrefixes):
		return ClassWired
	default:
		return ClassOther
	}
}

func (c *Classifier) fromSysfs(name string) (Class, bool) {
	if c.sysfs == nil || !fs.ValidPath(name) || strings.Contains(name, "/") {
		return ClassOther, false
	}

	if uevent, err := fs.ReadFile(c.sysfs, name+"/uevent"); err == nil {
		switch devType(uevent) {
		case "wlan":
			return ClassWLAN, true
		case "wwan":
			return ClassWWAN, true
		case "bridge", "vlan", "bond", "wireguard", "vxlan":
			return ClassOther, true
		}
	}

	for _, marker := range []string{"wireless", "phy80211"} {
		if _, err := fs.Stat(c.sysfs, name+"/"+marker); err == nil {
			return ClassWLAN, true
		}
	}
	return ClassOther, false
}

func devType(uevent []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(uevent))
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "DEVTYPE="); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
