package model

import (
	"fmt"
	"log/slog"
	"strconv"
)

// NoConfig is the bundle key of a team without a configuration bundle.
const NoConfig = "none"

// GameInfo describes one match. It is immutable once received and
// uniquely keyed by GameID.
type GameInfo struct {
	GameID            int64  `json:"game_id"`
	LeftTeamName      string `json:"left_team_name"`
	RightTeamName     string `json:"right_team_name"`
	LeftTeamConfigID  *int64 `json:"left_team_config_id,omitempty"`
	RightTeamConfigID *int64 `json:"right_team_config_id,omitempty"`
	LeftBaseTeamName  string `json:"left_base_team_name"`
	RightBaseTeamName string `json:"right_base_team_name"`
	ServerConfig      string `json:"server_config"`
}

// LeftConfigKey returns the bundle key of the left team configuration or NoConfig.
func (g GameInfo) LeftConfigKey() string {
	return configKey(g.LeftTeamConfigID)
}

func (g GameInfo) RightConfigKey() string {
	return configKey(g.RightTeamConfigID)
}

// configKey maps an absent id and the legacy -1 to NoConfig
func configKey(id *int64) string {
	if id == nil || *id < 0 {
		return NoConfig
	}
	return strconv.FormatInt(*id, 10)
}

func (g GameInfo) String() string {
	return fmt.Sprintf("GameInfo(%d, %s, %s, %s, %s, %s, %s, %q)",
		g.GameID,
		g.LeftTeamName,
		g.RightTeamName,
		g.LeftConfigKey(),
		g.RightConfigKey(),
		g.LeftBaseTeamName,
		g.RightBaseTeamName,
		g.ServerConfig,
	)
}

func (g GameInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("game_id", g.GameID),
		slog.String("left", g.LeftTeamName),
		slog.String("right", g.RightTeamName),
		slog.String("left_base", g.LeftBaseTeamName),
		slog.String("right_base", g.RightBaseTeamName),
		slog.String("left_config", g.LeftConfigKey()),
		slog.String("right_config", g.RightConfigKey()),
	)
}

const MessageTypeAddGame = "add_game"

// AddGameMessage is the body of a job request delivered by the queue.
type AddGameMessage struct {
	Type     string   `json:"type,omitempty"`
	GameInfo GameInfo `json:"game_info"`
}

// AddGameResponse is the answer of a job manager to an add game request.
type AddGameResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func Accepted() AddGameResponse {
	return AddGameResponse{Success: true}
}

func Rejected(format string, args ...any) AddGameResponse {
	return AddGameResponse{Success: false, Error: fmt.Sprintf(format, args...)}
}
