package events

import "net"

// DetectLocalIP finds the address speakers can reach this host on, used in
// callback URLs when no host is configured. Dialing a well-known address
// selects the right interface without sending anything.
func DetectLocalIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}
