package game

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rcssrunner/runner/internal/model"
)

// Fixed tournament parameters passed to every server.
const (
	halfTime         = 100
	nrNormalHalfs    = 2
	nrExtraHalfs     = 0
	penaltyShootOuts = 0
)

// Ports is the triple of contiguous ports used by one server.
type Ports struct {
	Port        int `json:"port"`
	Coach       int `json:"coach_port"`
	OnlineCoach int `json:"olcoach_port"`
}

func PortsFrom(port int) Ports {
	return Ports{Port: port, Coach: port + 1, OnlineCoach: port + 2}
}

func (p Ports) All() []int {
	return []int{p.Port, p.Coach, p.OnlineCoach}
}

// RunConfig is derived from a GameInfo and owned by one Game.
type RunConfig struct {
	GameID         int64
	LeftTeamName   string
	RightTeamName  string
	LeftTeamStart  string
	RightTeamStart string
	GameLogDir     string
	TextLogDir     string
	ArchivePath    string
	Ports          Ports
	Other          string
	AutoMode       bool
	SynchMode      bool
}

func NewRunConfig(info model.GameInfo, dataDir string, ports Ports) RunConfig {
	logDir := filepath.Join(dataDir, model.GameLogDirName, strconv.FormatInt(info.GameID, 10))
	return RunConfig{
		GameID:         info.GameID,
		LeftTeamName:   info.LeftTeamName,
		RightTeamName:  info.RightTeamName,
		LeftTeamStart:  filepath.Join(dataDir, model.BaseTeamDirName, info.LeftBaseTeamName, "start.sh"),
		RightTeamStart: filepath.Join(dataDir, model.BaseTeamDirName, info.RightBaseTeamName, "start.sh"),
		GameLogDir:     logDir,
		TextLogDir:     logDir,
		ArchivePath:    filepath.Join(dataDir, model.GameLogDirName, ArchiveKey(info.GameID)),
		Ports:          ports,
		Other:          info.ServerConfig,
		AutoMode:       true,
		SynchMode:      true,
	}
}

// ArchiveKey is the name of the game log archive, locally and in the storage.
func ArchiveKey(gameID int64) string {
	return strconv.FormatInt(gameID, 10) + ".zip"
}

// Prepare creates the log directory.
func (c RunConfig) Prepare() error {
	return os.MkdirAll(c.GameLogDir, 0o755)
}

// Args renders the server command line arguments. The format is consumed
// by an unmodified rcssserver and by shell word splitting, keep it stable.
func (c RunConfig) Args() string {
	var sb strings.Builder
	flag := func(name string, value any) {
		fmt.Fprintf(&sb, "--server::%s=%v ", name, value)
	}
	flag("auto_mode", c.AutoMode)
	flag("synch_mode", c.SynchMode)
	flag("fixed_teamname_l", c.LeftTeamName)
	flag("fixed_teamname_r", c.RightTeamName)
	flag("team_l_start", fmt.Sprintf(`\'%s -p %d\'`, c.LeftTeamStart, c.Ports.Port))
	flag("team_r_start", fmt.Sprintf(`\'%s -p %d\'`, c.RightTeamStart, c.Ports.Port))
	flag("game_log_dir", c.GameLogDir)
	flag("text_log_dir", c.TextLogDir)
	flag("half_time", halfTime)
	flag("nr_normal_halfs", nrNormalHalfs)
	flag("nr_extra_halfs", nrExtraHalfs)
	flag("penalty_shoot_outs", penaltyShootOuts)
	flag("port", c.Ports.Port)
	flag("coach_port", c.Ports.Coach)
	flag("olcoach_port", c.Ports.OnlineCoach)
	sb.WriteString(c.Other)
	return sb.String()
}
