package sched

// Limits bounds how many tasks a batch may dispatch.
type Limits struct {
	// PerAgent caps concurrent tasks per agent; "*" is the wildcard default.
	PerAgent map[string]int
	// Global caps the batch across all agents; 0 means unlimited.
	Global int
}

func (l Limits) agentCap(agent string) int {
	if cap, ok := l.PerAgent[agent]; ok {
		return cap
	}
	if cap, ok := l.PerAgent["*"]; ok {
		return cap
	}
	return 1
}

// SelectBatch picks tasks to dispatch from the ready list under per-agent
// and global caps. Selection round-robins over agents so no agent starves.
// runningPerAgent counts tasks already in flight. When the limits would
// yield an empty batch against a non-empty ready list and nothing is
// running, one task is forced through to avoid deadlock.
func SelectBatch(ready []Assignment, limits Limits, runningTotal int, runningPerAgent map[string]int) []Assignment {
	if len(ready) == 0 {
		return nil
	}

	perAgent := map[string][]Assignment{}
	var agentOrder []string
	for _, a := range ready {
		if _, seen := perAgent[a.Agent]; !seen {
			agentOrder = append(agentOrder, a.Agent)
		}
		perAgent[a.Agent] = append(perAgent[a.Agent], a)
	}

	used := map[string]int{}
	for agent, n := range runningPerAgent {
		used[agent] = n
	}
	total := runningTotal

	var batch []Assignment
	for {
		progressed := false
		for _, agent := range agentOrder {
			queue := perAgent[agent]
			if len(queue) == 0 {
				continue
			}
			if limits.Global > 0 && total >= limits.Global {
				continue
			}
			if used[agent] >= limits.agentCap(agent) {
				continue
			}
			batch = append(batch, queue[0])
			perAgent[agent] = queue[1:]
			used[agent]++
			total++
			progressed = true
		}
		if !progressed {
			break
		}
	}

	// Forcing a single task keeps the run moving when misconfigured limits
	// would otherwise stall a non-empty ready list.
	if len(batch) == 0 && runningTotal == 0 {
		batch = append(batch, ready[0])
	}
	return batch
}
