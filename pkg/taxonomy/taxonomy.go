// Package taxonomy models the closed category/subcategory partition set the
// harvester walks. The set is loaded once at startup from a JSON file and is
// immutable for the lifetime of a run.
package taxonomy

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
)

// CatchAll is the synthetic "all items in category" subcategory.
const CatchAll = -1

// ID identifies one partition: a (category, subcategory) pair.
type ID struct {
	Category    int
	Subcategory int
}

// Partition is one unit of harvesting work with display names attached.
// Names are for output and logging only; identity is the ID.
type Partition struct {
	ID
	CategoryName    string
	SubcategoryName string
}

// Display returns the logging name, e.g. "sprite / object" or "audioclip".
func (p Partition) Display() string {
	if p.Subcategory != CatchAll && p.SubcategoryName != "" && p.SubcategoryName != "all" {
		return p.CategoryName + " / " + p.SubcategoryName
	}
	return p.CategoryName
}

// Taxonomy is the immutable category tree.
type Taxonomy struct {
	names map[int]string
	subs  map[int]map[int]string
}

type fileFormat struct {
	Categories map[string]*categoryEntry `json:"categories"`
}

type categoryEntry struct {
	Name          string            `json:"name"`
	Subcategories map[string]string `json:"subcategories"`
}

// Builtin returns the built-in default taxonomy, used when no data file is
// available. Only sprite carries specific subcategories; the remaining
// categories list the catch-all alone.
func Builtin() *Taxonomy {
	return &Taxonomy{
		names: map[int]string{0: "sprite", 1: "audioclip", 3: "animationclip", 25: "avataritem"},
		subs: map[int]map[int]string{
			0:  {5: "object", 6: "foothold", 7: "monster", 8: "npc", 9: "trap"},
			1:  {CatchAll: "all"},
			3:  {CatchAll: "all"},
			25: {CatchAll: "all"},
		},
	}
}

// Load reads a taxonomy from the given JSON file. An empty path or a missing
// file yields the builtin set; a malformed file is an error so a typo never
// silently shrinks the partition set.
func Load(path string) (*Taxonomy, error) {
	if path == "" {
		return Builtin(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Builtin(), nil
		}
		return nil, fmt.Errorf("read taxonomy: %w", err)
	}

	var raw fileFormat
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse taxonomy %s: %w", path, err)
	}
	if len(raw.Categories) == 0 {
		return nil, fmt.Errorf("taxonomy %s lists no categories", path)
	}

	t := &Taxonomy{
		names: make(map[int]string),
		subs:  make(map[int]map[int]string),
	}
	for cidStr, entry := range raw.Categories {
		cid, err := strconv.Atoi(cidStr)
		if err != nil {
			continue
		}
		name := entry.Name
		if name == "" {
			name = cidStr
		}
		t.names[cid] = name
		t.subs[cid] = make(map[int]string)
		for sidStr, sname := range entry.Subcategories {
			sid, err := strconv.Atoi(sidStr)
			if err != nil {
				continue
			}
			if sname == "" {
				sname = sidStr
			}
			t.subs[cid][sid] = sname
		}
	}
	return t, nil
}

// Categories returns all category IDs in ascending order.
func (t *Taxonomy) Categories() []int {
	out := make([]int, 0, len(t.names))
	for cid := range t.names {
		out = append(out, cid)
	}
	sort.Ints(out)
	return out
}

// CategoryName returns the display name for a category, or its numeric form
// when the category is not in the taxonomy.
func (t *Taxonomy) CategoryName(category int) string {
	if name, ok := t.names[category]; ok {
		return name
	}
	return strconv.Itoa(category)
}

// Partition resolves display names for an arbitrary (category, subcategory)
// pair. The catch-all subcategory is always named "all".
func (t *Taxonomy) Partition(category, subcategory int) Partition {
	p := Partition{
		ID:           ID{Category: category, Subcategory: subcategory},
		CategoryName: t.CategoryName(category),
	}
	if subcategory == CatchAll {
		p.SubcategoryName = "all"
		return p
	}
	if sname, ok := t.subs[category][subcategory]; ok {
		p.SubcategoryName = sname
	} else {
		p.SubcategoryName = strconv.Itoa(subcategory)
	}
	return p
}

// Partitions returns the partitions to walk for the given categories.
//
// Ordering rule: within each category, specific subcategories come first in
// ascending ID order and the catch-all comes last (when listed). The dedup
// collapse for the catch-all partition depends on this order. With allOnly
// set, only catch-all partitions are returned.
func (t *Taxonomy) Partitions(categories []int, allOnly bool) []Partition {
	var out []Partition
	for _, cid := range categories {
		subs := t.subs[cid]
		_, hasAll := subs[CatchAll]
		if allOnly {
			if hasAll {
				out = append(out, t.Partition(cid, CatchAll))
			}
			continue
		}
		var specific []int
		for sid := range subs {
			if sid != CatchAll {
				specific = append(specific, sid)
			}
		}
		sort.Ints(specific)
		for _, sid := range specific {
			out = append(out, t.Partition(cid, sid))
		}
		if hasAll {
			out = append(out, t.Partition(cid, CatchAll))
		}
	}
	return out
}

// ByName maps (categoryName, subcategoryName) back to a partition ID, for
// loading rows from existing CSV output. Both "" and "all" resolve to the
// catch-all subcategory.
func (t *Taxonomy) ByName(categoryName, subcategoryName string) (ID, bool) {
	for cid, cname := range t.names {
		if cname != categoryName {
			continue
		}
		if subcategoryName == "" || subcategoryName == "all" {
			return ID{Category: cid, Subcategory: CatchAll}, true
		}
		for sid, sname := range t.subs[cid] {
			if sname == subcategoryName {
				return ID{Category: cid, Subcategory: sid}, true
			}
		}
		return ID{}, false
	}
	return ID{}, false
}
