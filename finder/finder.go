// Package finder resolves a natural-language query ("the submit button")
// to a single element on a page. Candidates are harvested by one in-page
// pass, their backend node ids are attached through a batched CDP
// round-trip, and the ranking itself runs host-side so it is deterministic
// and testable.
package finder

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/openchrome/cdp"
	"github.com/hazyhaar/openchrome/cerr"
)

//go:embed find.js
var findScript string

// MinScore is the confidence floor: a best candidate below it is reported
// as no-match rather than handed to the agent.
const MinScore = 10

// slotExpr reads back the element array stashed by find.js.
const slotExpr = `() => window.__ocFinderSlot`

// Candidate is one harvested element plus its geometry.
type Candidate struct {
	Role        string `json:"role"`
	Name        string `json:"name"`
	Tag         string `json:"tag"`
	InputType   string `json:"inputType"`
	Placeholder string `json:"placeholder"`
	AriaLabel   string `json:"ariaLabel"`
	Text        string `json:"text"`
	X           int    `json:"x"`
	Y           int    `json:"y"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`

	BackendID int `json:"backendNodeId"`
}

// Match is the winning candidate.
type Match struct {
	Candidate
	Score int
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "to": true, "for": true,
	"of": true, "in": true, "on": true, "at": true, "and": true, "or": true,
}

// roleKeywords maps a query word to the roles and tags it implies.
type roleSpec struct {
	roles []string
	tags  []string
}

var roleKeywords = map[string]roleSpec{
	"button":   {roles: []string{"button"}, tags: []string{"button"}},
	"link":     {roles: []string{"link"}, tags: []string{"a"}},
	"radio":    {roles: []string{"radio"}},
	"checkbox": {roles: []string{"checkbox"}},
	"input":    {roles: []string{"textbox"}, tags: []string{"input", "textarea"}},
	"textarea": {roles: []string{"textbox"}, tags: []string{"textarea"}},
	"field":    {roles: []string{"textbox"}, tags: []string{"input", "textarea"}},
	"switch":   {roles: []string{"switch"}},
	"toggle":   {roles: []string{"switch"}},
	"dropdown": {roles: []string{"combobox", "listbox"}, tags: []string{"select"}},
	"select":   {roles: []string{"combobox", "listbox"}, tags: []string{"select"}},
	"slider":   {roles: []string{"slider"}},
}

var rankedRoles = map[string]bool{
	"button": true, "link": true, "checkbox": true, "radio": true,
	"menuitem": true, "tab": true, "option": true, "switch": true,
	"combobox": true, "listbox": true, "slider": true, "treeitem": true,
}

// Tokenize lowercases, splits on whitespace and drops short tokens and
// stopwords.
func Tokenize(query string) []string {
	var out []string
	for _, t := range strings.Fields(strings.ToLower(query)) {
		if len(t) <= 1 || stopwords[t] {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Score ranks one candidate. The query's role keywords ("button" in
// "submit button") describe the element's kind, not its label, so they are
// stripped before text comparison; an exact text match absorbs the
// per-token bonus.
func Score(query string, c Candidate) int {
	tokens := Tokenize(query)

	var core []string
	for _, t := range tokens {
		if _, isRole := roleKeywords[t]; !isRole {
			core = append(core, t)
		}
	}
	coreQuery := strings.Join(core, " ")

	name := strings.ToLower(strings.TrimSpace(c.Name))
	text := strings.ToLower(strings.TrimSpace(c.Text))
	aria := strings.ToLower(strings.TrimSpace(c.AriaLabel))
	combined := name + " " + text + " " + aria + " " + strings.ToLower(c.Placeholder)

	score := 0
	switch {
	case coreQuery == "":
		// Pure role query ("the button"): geometry and role carry it.
	case name == coreQuery || text == coreQuery:
		score += 100
	case aria == coreQuery:
		score += 90
	default:
		if strings.Contains(name, coreQuery) || strings.Contains(text, coreQuery) {
			score += 50
		} else if strings.Contains(aria, coreQuery) {
			score += 45
		}
		for _, t := range tokens {
			if strings.Contains(combined, t) {
				score += 15
			}
		}
	}

	role := strings.ToLower(c.Role)
	tag := strings.ToLower(c.Tag)
	for _, t := range tokens {
		spec, ok := roleKeywords[t]
		if !ok {
			continue
		}
		if matchRoleSpec(spec, role, tag) {
			score += 30
			break
		}
	}
	if rankedRoles[role] {
		score += 20
	}

	if c.Width > 50 && c.Height > 20 {
		score += 10
	}
	if c.Width < 10 || c.Height < 10 {
		score -= 20
	}
	return score
}

func matchRoleSpec(spec roleSpec, role, tag string) bool {
	for _, r := range spec.roles {
		if role == r {
			return true
		}
	}
	for _, t := range spec.tags {
		if tag == t {
			return true
		}
	}
	return false
}

// Rank returns the best candidate, or finder.no-match when nothing clears
// the confidence floor. The runner-up's name rides along in the error so
// the agent can rephrase.
func Rank(query string, candidates []Candidate) (*Match, error) {
	if len(candidates) == 0 {
		return nil, cerr.New(cerr.KindFinderNoMatch, "no visible elements matched %q", query)
	}
	best := -1
	bestScore := 0
	for i, c := range candidates {
		s := Score(query, c)
		if best == -1 || s > bestScore {
			best, bestScore = i, s
		}
	}
	if bestScore < MinScore {
		return nil, cerr.New(cerr.KindFinderLowConfidence,
			"no good match for %q (best was %q, score %d)",
			query, candidates[best].Name, bestScore)
	}
	return &Match{Candidate: candidates[best], Score: bestScore}, nil
}

// Find harvests, resolves and ranks in one call.
func Find(ctx context.Context, tab *cdp.Tab, query string) (*Match, error) {
	candidates, err := Harvest(ctx, tab, query)
	if err != nil {
		return nil, err
	}
	return Rank(query, candidates)
}

// Harvest runs the in-page scan and attaches backend node ids to every
// candidate.
func Harvest(ctx context.Context, tab *cdp.Tab, query string) ([]Candidate, error) {
	page := tab.Page().Context(ctx)

	obj, err := page.Eval(findScript, query)
	if err != nil {
		return nil, cdp.MapError(fmt.Errorf("finder: harvest: %w", err))
	}

	var candidates []Candidate
	if err := json.Unmarshal([]byte(obj.Value.Str()), &candidates); err != nil {
		return nil, fmt.Errorf("finder: decode candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if err := resolveBackendIDs(page, candidates); err != nil {
		return nil, err
	}
	tab.Touch()
	return candidates, nil
}

// resolveBackendIDs attaches backend node ids in one batched exchange: the
// stashed array comes back by reference, one property enumeration yields
// per-element object ids, and describeNode calls run in parallel. This
// replaces the naive per-candidate query walk.
func resolveBackendIDs(page *rod.Page, candidates []Candidate) error {
	slot, err := page.Evaluate(rod.Eval(slotExpr).ByObject())
	if err != nil {
		return cdp.MapError(fmt.Errorf("finder: read slot: %w", err))
	}

	props, err := proto.RuntimeGetProperties{
		ObjectID:      slot.ObjectID,
		OwnProperties: true,
	}.Call(page)
	if err != nil {
		return cdp.MapError(fmt.Errorf("finder: enumerate slot: %w", err))
	}

	// Keep only canonical array indices: "0", "1", ... with element values.
	byIndex := make(map[int]proto.RuntimeRemoteObjectID, len(candidates))
	for _, p := range props.Result {
		i, err := strconv.Atoi(p.Name)
		if err != nil || strconv.Itoa(i) != p.Name {
			continue
		}
		if p.Value == nil || p.Value.ObjectID == "" {
			continue
		}
		byIndex[i] = p.Value.ObjectID
	}

	var wg sync.WaitGroup
	errs := make([]error, len(candidates))
	for i := range candidates {
		objID, ok := byIndex[i]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(i int, objID proto.RuntimeRemoteObjectID) {
			defer wg.Done()
			d, err := proto.DOMDescribeNode{ObjectID: objID}.Call(page)
			if err != nil {
				errs[i] = err
				return
			}
			candidates[i].BackendID = int(d.Node.BackendNodeID)
		}(i, objID)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return cdp.MapError(fmt.Errorf("finder: describe node: %w", err))
		}
	}
	return nil
}
