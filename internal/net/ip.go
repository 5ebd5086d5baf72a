package net

import (
	"fmt"
	"net"
	"strconv"

	"github.com/golang/glog"
)

// hostAddrs is where ShareURL learns about this machine's addresses.
type hostAddrs struct {
	// route returns the source address the kernel would use to reach the
	// internet. No packet is sent.
	route      func() (net.IP, error)
	interfaces func() ([]net.Addr, error)
}

var localHost = hostAddrs{
	route: func() (net.IP, error) {
		conn, err := net.Dial("udp", "8.8.8.8:80")
		if err != nil {
			return nil, err
		}
		defer conn.Close()
		return conn.LocalAddr().(*net.UDPAddr).IP, nil
	},
	interfaces: net.InterfaceAddrs,
}

// ShareURL is the base URL peers on the local network can connect to.
func ShareURL(listenAddr string) (string, error) {
	return localHost.shareURL(listenAddr)
}

func (h hostAddrs) shareURL(listenAddr string) (string, error) {
	host, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "", fmt.Errorf("bad listen address %q: %w", listenAddr, err)
	}
	if port, err := strconv.Atoi(portStr); err != nil || port <= 0 {
		return "", fmt.Errorf("bad listen port %q", portStr)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.IsUnspecified() {
		ip = h.pick()
	}
	return "http://" + net.JoinHostPort(ip.String(), portStr), nil
}

// pick prefers the routed address, then a private IPv4 interface, then any
// other non-loopback IPv4 interface, then loopback.
func (h hostAddrs) pick() net.IP {
	if ip, err := h.route(); err == nil && ip != nil && !ip.IsLoopback() {
		return ip
	}
	addrs, err := h.interfaces()
	if err != nil {
		glog.Warningf("[relay]interface addresses: %s", err)
	}
	var fallback net.IP
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.To4() == nil {
			continue
		}
		if ipnet.IP.IsPrivate() {
			return ipnet.IP
		}
		if fallback == nil {
			fallback = ipnet.IP
		}
	}
	if fallback != nil {
		return fallback
	}
	glog.Infof("[relay]no suitable local IP found, share URL uses loopback")
	return net.IPv4(127, 0, 0, 1)
}
