package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/task"
)

// Strategy is one candidate payload shape for draft creation. The accepted
// field name and value set of the endpoint drifted over time, so candidates
// are data, not control flow: operators can override the list from a YAML
// file when the live contract changes again.
type Strategy struct {
	Name    string `yaml:"name"`
	Field   string `yaml:"field"`
	Value   string `yaml:"value"`
	DropOff bool   `yaml:"drop_off"`
}

// Payload builds the draft creation request for a task under this strategy.
func (s Strategy) Payload(t *task.Task) map[string]any {
	items := make([]map[string]any, 0, len(t.Items))
	for _, it := range t.Items {
		items = append(items, map[string]any{
			"sku":      it.SKU,
			"quantity": it.Quantity,
		})
	}

	payload := map[string]any{
		"items": items,
		s.Field: s.Value,
	}
	if s.DropOff && t.DropoffWarehouseID != 0 {
		payload["drop_off_point_warehouse_id"] = t.DropoffWarehouseID
	}
	return payload
}

var strategyValues = []string{"direct", "xdock", "CREATE_TYPE_FBO", "CREATE_TYPE_CROSSDOCK"}
var strategyFields = []string{"supply_type", "type"}

// DefaultStrategies builds the ordered candidate list. Values matching the
// preference hint are tried first; when the task carries a drop-off
// warehouse, a _drop variant follows each base candidate. The list is
// deduplicated by name.
func DefaultStrategies(preference string, hasDropOff bool) []Strategy {
	values := make([]string, 0, len(strategyValues))
	for _, v := range strategyValues {
		if v == preference {
			values = append([]string{v}, values...)
		} else {
			values = append(values, v)
		}
	}

	var out []Strategy
	seen := make(map[string]bool)
	add := func(s Strategy) {
		if !seen[s.Name] {
			seen[s.Name] = true
			out = append(out, s)
		}
	}

	i := 0
	for _, field := range strategyFields {
		for _, value := range values {
			i++
			base := Strategy{
				Name:  fmt.Sprintf("st%d_%s_%s", i, field, value),
				Field: field,
				Value: value,
			}
			add(base)
			if hasDropOff {
				drop := base
				drop.Name += "_drop"
				drop.DropOff = true
				add(drop)
			}
		}
	}
	return out
}

// LoadStrategies reads a candidate list override from a YAML file.
func LoadStrategies(path string) ([]Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategies: %w", err)
	}
	var list []Strategy
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("unmarshal strategies: %w", err)
	}
	for i, s := range list {
		if s.Name == "" || s.Field == "" || s.Value == "" {
			return nil, fmt.Errorf("strategy %d: name, field and value are required", i)
		}
	}
	return list, nil
}

// ensureStrategies assigns the candidate list to a task on its first draft
// attempt. The list is regenerated on every call so a task reloaded after a
// restart resolves its persisted names again; the generation is
// deterministic, so the names match. The index and tried-list persist with
// the task.
func (e *Engine) ensureStrategies(t *task.Task) {
	list := e.strategies
	if len(list) == 0 {
		pref := t.Preference
		if pref == "" {
			pref = e.cfg.Negotiation.DefaultPreference
		}
		list = DefaultStrategies(pref, t.DropoffWarehouseID != 0)
	}

	e.mu.Lock()
	for _, s := range list {
		e.byName[s.Name] = s
	}
	e.mu.Unlock()

	if len(t.DraftStrategies) > 0 {
		return
	}

	names := make([]string, len(list))
	for i, s := range list {
		names[i] = s.Name
	}
	t.DraftStrategies = names
	t.DraftStrategyIndex = 0
}

// currentStrategy returns the strategy the task should try next. Persisted
// names that no longer resolve, such as candidates from a replaced override
// file, are skipped instead of ending the negotiation.
func (e *Engine) currentStrategy(t *task.Task) (Strategy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for t.DraftStrategyIndex < len(t.DraftStrategies) {
		if s, ok := e.byName[t.DraftStrategies[t.DraftStrategyIndex]]; ok {
			return s, true
		}
		t.DraftStrategyIndex++
	}
	return Strategy{}, false
}
