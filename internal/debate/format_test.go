package debate

import "testing"

func TestRosterSizes(t *testing.T) {
	if got := len(FormatAsian.Roster()); got != 7 {
		t.Fatalf("asian roster has %d seats, want 7", got)
	}
	if got := len(FormatBritish.Roster()); got != 9 {
		t.Fatalf("british roster has %d seats, want 9", got)
	}
}

func TestRosterIsACopy(t *testing.T) {
	roster := FormatAsian.Roster()
	roster[0].Role = "tampered"
	if FormatAsian.Roster()[0].Role != RoleModerator {
		t.Fatal("mutating a returned roster changed the table")
	}
}

func TestSelectableRolesExcludeModerator(t *testing.T) {
	for _, format := range []Format{FormatAsian, FormatBritish} {
		roles := format.SelectableRoles()
		if len(roles) != len(format.Roster())-1 {
			t.Fatalf("%s selectable roles = %d, want roster minus moderator", format, len(roles))
		}
		for _, role := range roles {
			if role == RoleModerator {
				t.Fatalf("%s offers the moderator seat", format)
			}
		}
	}
}

func TestHasRole(t *testing.T) {
	if !FormatAsian.HasRole("Prime Minister") {
		t.Fatal("asian format rejects Prime Minister")
	}
	if FormatAsian.HasRole(RoleModerator) {
		t.Fatal("moderator seat reported selectable")
	}
	if FormatAsian.HasRole("Member for the Government") {
		t.Fatal("asian format accepted a british-only seat")
	}
	if !FormatBritish.HasRole("Member for the Government") {
		t.Fatal("british format rejects Member for the Government")
	}
}

func TestFormatAndLevelValidation(t *testing.T) {
	if !FormatAsian.Valid() || !FormatBritish.Valid() {
		t.Fatal("known format rejected")
	}
	if Format("oxford").Valid() {
		t.Fatal("unknown format accepted")
	}
	if !LevelBeginner.Valid() || !LevelIntermediate.Valid() || !LevelExpert.Valid() {
		t.Fatal("known level rejected")
	}
	if Level("grandmaster").Valid() {
		t.Fatal("unknown level accepted")
	}
}
