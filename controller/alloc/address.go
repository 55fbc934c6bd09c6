package alloc

import (
	"errors"
	"fmt"
	"net"
)

// ErrNoFreeAddress is returned when every host address of the server
// subnet is already held.
var ErrNoFreeAddress = errors.New("no free address in subnet")

// Allocator hands out host addresses of the server subnet in ascending
// order. It is stateless: the caller supplies the set of taken addresses,
// which must be the union of the user store and the server configuration's
// AllowedIPs so that an address written to only one of the two is never
// reissued.
type Allocator struct {
	Subnet   *net.IPNet
	ServerIP net.IP
}

// NextFree returns the lowest host address of the subnet not present in
// taken. Entries in taken may be bare addresses or CIDR form.
func (a *Allocator) NextFree(taken []string) (net.IP, error) {
	used := make(map[string]bool, len(taken)+1)
	if a.ServerIP != nil {
		used[a.ServerIP.String()] = true
	}
	for _, t := range taken {
		ip := t
		if parsed, _, err := net.ParseCIDR(t); err == nil {
			ip = parsed.String()
		} else if parsed := net.ParseIP(t); parsed != nil {
			ip = parsed.String()
		}
		used[ip] = true
	}

	ip := a.Subnet.IP.Mask(a.Subnet.Mask).To4()
	if ip == nil {
		return nil, fmt.Errorf("subnet %s is not IPv4", a.Subnet)
	}
	broadcast := broadcastOf(a.Subnet)
	for cur := nextIP(ip); !cur.Equal(broadcast); cur = nextIP(cur) {
		if !a.Subnet.Contains(cur) {
			break
		}
		if !used[cur.String()] {
			return cur, nil
		}
	}
	return nil, ErrNoFreeAddress
}

func nextIP(ip net.IP) net.IP {
	next := make(net.IP, len(ip))
	copy(next, ip)
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}

func broadcastOf(subnet *net.IPNet) net.IP {
	ip := subnet.IP.Mask(subnet.Mask).To4()
	mask := net.IP(subnet.Mask).To4()
	if ip == nil || mask == nil {
		return nil
	}
	b := make(net.IP, 4)
	for i := range b {
		b[i] = ip[i] | ^mask[i]
	}
	return b
}
