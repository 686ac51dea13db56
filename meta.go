package shoal

import (
	"net"
	"os"
	"strings"

	"github.com/shoalproxy/shoal/config"
	"github.com/shoalproxy/shoal/protocol/redis"
)

// loadProxyInfo derives the address this proxy advertises in
// synthesized CLUSTER SLOTS/NODES replies: the first non-loopback
// interface address, the HOST environment variable, or loopback as a
// last resort, plus the cluster's listen port.
func loadProxyInfo(cc config.Cluster) redis.ProxyInfo {
	port := "6379"
	if idx := strings.LastIndex(cc.ListenAddr, ":"); idx >= 0 {
		port = cc.ListenAddr[idx+1:]
	}
	return redis.ProxyInfo{
		IP:   interfaceAddr(),
		Port: port,
	}
}

func interfaceAddr() string {
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
				continue
			}
			return ip.String()
		}
	}

	if host := os.Getenv("HOST"); host != "" {
		if ip := net.ParseIP(host); ip != nil && ip.To4() != nil &&
			!ip.IsLoopback() && !ip.IsUnspecified() {
			return ip.String()
		}
	}
	return "127.0.0.1"
}
