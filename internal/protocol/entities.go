package protocol

// Wire records carry relations as id strings. An empty relation id is the
// explicit absence value.

type CellRecord struct {
	ID            string   `json:"id"`
	X             int      `json:"x"`
	Y             int      `json:"y"`
	Terrain       string   `json:"terrain"`
	Owner         string   `json:"owner,omitempty"`
	Fortification int      `json:"fortification"`
	Neighbors     []string `json:"neighbors,omitempty"`
}

type FactionRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Color    string `json:"color,omitempty"`
	Capital  string `json:"capital,omitempty"`
	Treasury int    `json:"treasury"`
}

type UnitRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Owner    string `json:"owner"`
	Location string `json:"location"`
	Strength int    `json:"strength"`
	Morale   int    `json:"morale"`
}

// Patches are partial records: nil fields are absent from the delta.
// Merge is field-wise last-write-wins.

type CellPatch struct {
	Terrain       *string `json:"terrain,omitempty"`
	Owner         *string `json:"owner,omitempty"`
	Fortification *int    `json:"fortification,omitempty"`
}

func (p CellPatch) Merge(next CellPatch) CellPatch {
	if next.Terrain != nil {
		p.Terrain = next.Terrain
	}
	if next.Owner != nil {
		p.Owner = next.Owner
	}
	if next.Fortification != nil {
		p.Fortification = next.Fortification
	}
	return p
}

func (p CellPatch) Empty() bool {
	return p.Terrain == nil && p.Owner == nil && p.Fortification == nil
}

type FactionPatch struct {
	Name     *string `json:"name,omitempty"`
	Color    *string `json:"color,omitempty"`
	Capital  *string `json:"capital,omitempty"`
	Treasury *int    `json:"treasury,omitempty"`
}

func (p FactionPatch) Merge(next FactionPatch) FactionPatch {
	if next.Name != nil {
		p.Name = next.Name
	}
	if next.Color != nil {
		p.Color = next.Color
	}
	if next.Capital != nil {
		p.Capital = next.Capital
	}
	if next.Treasury != nil {
		p.Treasury = next.Treasury
	}
	return p
}

func (p FactionPatch) Empty() bool {
	return p.Name == nil && p.Color == nil && p.Capital == nil && p.Treasury == nil
}

type UnitPatch struct {
	Name     *string `json:"name,omitempty"`
	Owner    *string `json:"owner,omitempty"`
	Location *string `json:"location,omitempty"`
	Strength *int    `json:"strength,omitempty"`
	Morale   *int    `json:"morale,omitempty"`
}

func (p UnitPatch) Merge(next UnitPatch) UnitPatch {
	if next.Name != nil {
		p.Name = next.Name
	}
	if next.Owner != nil {
		p.Owner = next.Owner
	}
	if next.Location != nil {
		p.Location = next.Location
	}
	if next.Strength != nil {
		p.Strength = next.Strength
	}
	if next.Morale != nil {
		p.Morale = next.Morale
	}
	return p
}

func (p UnitPatch) Empty() bool {
	return p.Name == nil && p.Owner == nil && p.Location == nil && p.Strength == nil && p.Morale == nil
}

// Str and Int build patch field values.
func Str(s string) *string { return &s }
func Int(n int) *int       { return &n }
