package debate

// Format identifies one of the supported parliamentary structures. Each
// format defines its own ordered roster and routes to its own remote
// orchestrator endpoint.
type Format string

const (
	FormatAsian   Format = "asian"
	FormatBritish Format = "british"
)

// Level is the human's self-declared debating level.
type Level string

const (
	LevelBeginner     Level = "beginner"
	LevelIntermediate Level = "intermediate"
	LevelExpert       Level = "expert"
)

// RoleModerator chairs the debate and is never selectable by the human.
const RoleModerator = "Moderator"

// Seat pairs a role name with its descriptive label.
type Seat struct {
	Role  string
	Label string
}

var asianRoster = []Seat{
	{RoleModerator, "Parliamentary Debate Moderator"},
	{"Prime Minister", "Government Leader"},
	{"Leader of Opposition", "Opposition Leader"},
	{"Deputy Prime Minister", "Government Deputy"},
	{"Deputy Leader of Opposition", "Opposition Deputy"},
	{"Government Whip", "Government Whip"},
	{"Opposition Whip", "Opposition Whip"},
}

var britishRoster = []Seat{
	{RoleModerator, "Parliamentary Debate Moderator"},
	{"Prime Minister", "Opening Government"},
	{"Leader of Opposition", "Opening Opposition"},
	{"Deputy Prime Minister", "Opening Government"},
	{"Deputy Leader of Opposition", "Opening Opposition"},
	{"Member for the Government", "Closing Government"},
	{"Member for the Opposition", "Closing Opposition"},
	{"Government Whip", "Closing Government"},
	{"Opposition Whip", "Closing Opposition"},
}

// Valid reports whether f names a known format.
func (f Format) Valid() bool {
	return f == FormatAsian || f == FormatBritish
}

// Valid reports whether l names a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelBeginner, LevelIntermediate, LevelExpert:
		return true
	}
	return false
}

// Roster returns the format's ordered seats. Selecting a format selects a
// table wholesale; rosters are never merged or mutated.
func (f Format) Roster() []Seat {
	var src []Seat
	switch f {
	case FormatBritish:
		src = britishRoster
	default:
		src = asianRoster
	}
	out := make([]Seat, len(src))
	copy(out, src)
	return out
}

// SelectableRoles lists the roles the human may take, in roster order.
// The moderator seat is excluded.
func (f Format) SelectableRoles() []string {
	var roles []string
	for _, seat := range f.Roster() {
		if seat.Role == RoleModerator {
			continue
		}
		roles = append(roles, seat.Role)
	}
	return roles
}

// HasRole reports whether role is a selectable seat in this format.
func (f Format) HasRole(role string) bool {
	for _, r := range f.SelectableRoles() {
		if r == role {
			return true
		}
	}
	return false
}
