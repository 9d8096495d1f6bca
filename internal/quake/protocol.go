// Package quake speaks the Quake III out-of-band UDP protocol: getstatus queries and rcon.
package quake

import (
	"bytes"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/isdelr/q3-portal-be/internal/models"
)

// OOBPrefix marks a connectionless (out-of-band) packet.
var OOBPrefix = []byte{0xFF, 0xFF, 0xFF, 0xFF}

const statusMarker = "statusResponse"

// ErrInvalidResponse is returned when a reply does not carry the statusResponse marker.
var ErrInvalidResponse = errors.New("Invalid response")

var playerLineRe = regexp.MustCompile(`^(-?\d+)\s+(-?\d+)\s+"([^"]+)"$`)

// BuildStatusRequest returns the getstatus datagram.
func BuildStatusRequest() []byte {
	return oob("getstatus\n")
}

// BuildRconRequest returns an rcon datagram. The password is sent as-is; the server decides
// whether it is accepted.
func BuildRconRequest(password, command string) []byte {
	return oob(`rcon "` + password + `" ` + command + "\n")
}

func oob(body string) []byte {
	packet := make([]byte, 0, len(OOBPrefix)+len(body))
	packet = append(packet, OOBPrefix...)
	return append(packet, body...)
}

// StripOOB drops the four leading header bytes of a reply.
func StripOOB(packet []byte) string {
	if len(packet) < len(OOBPrefix) {
		return ""
	}
	return string(packet[len(OOBPrefix):])
}

// ParseStatusResponse decodes a getstatus reply into a status snapshot stamped with now.
func ParseStatusResponse(packet []byte, now time.Time) (models.QuakeServerStatus, error) {
	body := string(bytes.TrimPrefix(packet, OOBPrefix))
	if !strings.HasPrefix(body, statusMarker) {
		return models.QuakeServerStatus{}, ErrInvalidResponse
	}

	lines := strings.Split(body, "\n")

	var vars map[string]string
	if len(lines) > 1 {
		vars = ParseVariables(lines[1])
	} else {
		vars = map[string]string{}
	}

	players := make([]models.QuakePlayer, 0)
	for _, line := range lines[min(2, len(lines)):] {
		if player, ok := ParsePlayerLine(line); ok {
			players = append(players, player)
		}
	}

	return models.QuakeServerStatus{
		Online:     true,
		Hostname:   firstNonEmpty(vars["sv_hostname"], vars["hostname"], "Unknown"),
		Mapname:    firstNonEmpty(vars["mapname"], "Unknown"),
		Gametype:   firstNonEmpty(vars["g_gametype"], vars["gametype"], "Unknown"),
		MaxClients: atoiOrZero(vars["sv_maxclients"]),
		Clients:    len(players),
		Players:    players,
		Version:    vars["version"],
		Protocol:   atoiOrZero(vars["protocol"]),
		LastUpdate: now,
	}, nil
}

// ParseVariables splits a \key\value\key\value info string into a map.
// Empty tokens are dropped and a trailing key without a value is ignored.
func ParseVariables(info string) map[string]string {
	vars := make(map[string]string)

	var parts []string
	for _, p := range strings.Split(info, `\`) {
		if p != "" {
			parts = append(parts, p)
		}
	}

	for i := 0; i+1 < len(parts); i += 2 {
		vars[parts[i]] = parts[i+1]
	}
	return vars
}

// ParsePlayerLine parses a `SCORE PING "NAME"` line. Blank or malformed lines report false.
func ParsePlayerLine(line string) (models.QuakePlayer, bool) {
	m := playerLineRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return models.QuakePlayer{}, false
	}
	score, err := strconv.Atoi(m[1])
	if err != nil {
		return models.QuakePlayer{}, false
	}
	ping, err := strconv.Atoi(m[2])
	if err != nil {
		return models.QuakePlayer{}, false
	}
	return models.QuakePlayer{Score: score, Ping: ping, Name: m[3]}, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
