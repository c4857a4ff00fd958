package discovery

import (
	"time"

	"github.com/pion/ion-jingle/pkg/log"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

// Score rates how much load the node can still take, 0 to 100. It weighs
// idle cpu, free memory and the latency reported by probe. It blocks for
// about a second while sampling the cpu.
func Score(probe func() (time.Duration, error)) int {
	p, err := cpu.Percent(time.Second, false)
	if err != nil || len(p) != 1 {
		log.Errorf("cpu.Percent err => %v", err)
		return 0
	}
	cpuScore := 100 - p[0]

	v, err := mem.VirtualMemory()
	if err != nil {
		log.Errorf("mem.VirtualMemory err => %v", err)
		return 0
	}
	memScore := 100 - v.UsedPercent

	netScore := 100.0
	if probe != nil {
		netScore = latencyScore(probe())
	}

	return weigh(cpuScore, memScore, netScore)
}

func latencyScore(cost time.Duration, err error) float64 {
	ms := cost.Milliseconds()
	switch {
	case err != nil:
		return 0
	case ms < 300:
		return float64(300-ms) / 300 * 100
	case ms <= 1000:
		return float64(1000-ms) / 1000 * 50
	}
	return 0
}

func weigh(cpuScore, memScore, netScore float64) int {
	if cpuScore < 10 || memScore < 10 || netScore < 10 {
		return 0
	}
	return int(cpuScore*0.4 + memScore*0.2 + netScore*0.4)
}
