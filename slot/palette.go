package slot

// Color is one palette entry. TextColor is whichever of black or white
// stays readable on top of the fill.
type Color struct {
	Name string
	Hex  string
	Text string
}

// MaxSlots bounds the index range: valid indices are [0, MaxSlots).
const MaxSlots = 50

// palette maps slot index to its display color. Order is fixed; changing it
// would recolor every participant in a live room.
var palette = [MaxSlots]Color{
	{"crimson", "#DC143C", "#FFFFFF"},
	{"tomato", "#FF6347", "#000000"},
	{"coral", "#FF7F50", "#000000"},
	{"orange", "#FFA500", "#000000"},
	{"gold", "#FFD700", "#000000"},
	{"yellow", "#FFEA00", "#000000"},
	{"khaki", "#F0E68C", "#000000"},
	{"olive", "#808000", "#FFFFFF"},
	{"lime", "#32CD32", "#000000"},
	{"green", "#228B22", "#FFFFFF"},
	{"emerald", "#2ECC71", "#000000"},
	{"teal", "#008080", "#FFFFFF"},
	{"turquoise", "#40E0D0", "#000000"},
	{"cyan", "#00BCD4", "#000000"},
	{"sky", "#87CEEB", "#000000"},
	{"azure", "#007FFF", "#FFFFFF"},
	{"blue", "#1E90FF", "#FFFFFF"},
	{"navy", "#000080", "#FFFFFF"},
	{"indigo", "#4B0082", "#FFFFFF"},
	{"violet", "#8A2BE2", "#FFFFFF"},
	{"purple", "#800080", "#FFFFFF"},
	{"orchid", "#DA70D6", "#000000"},
	{"magenta", "#FF00FF", "#000000"},
	{"fuchsia", "#C71585", "#FFFFFF"},
	{"pink", "#FF69B4", "#000000"},
	{"rose", "#FF007F", "#FFFFFF"},
	{"salmon", "#FA8072", "#000000"},
	{"peach", "#FFDAB9", "#000000"},
	{"apricot", "#FBCEB1", "#000000"},
	{"amber", "#FFBF00", "#000000"},
	{"mustard", "#FFDB58", "#000000"},
	{"chartreuse", "#7FFF00", "#000000"},
	{"mint", "#98FF98", "#000000"},
	{"jade", "#00A86B", "#FFFFFF"},
	{"forest", "#014421", "#FFFFFF"},
	{"seafoam", "#71EEB8", "#000000"},
	{"aqua", "#00FFFF", "#000000"},
	{"cerulean", "#2A52BE", "#FFFFFF"},
	{"cobalt", "#0047AB", "#FFFFFF"},
	{"periwinkle", "#CCCCFF", "#000000"},
	{"lavender", "#B57EDC", "#000000"},
	{"plum", "#8E4585", "#FFFFFF"},
	{"maroon", "#800000", "#FFFFFF"},
	{"brick", "#CB4154", "#FFFFFF"},
	{"rust", "#B7410E", "#FFFFFF"},
	{"brown", "#8B4513", "#FFFFFF"},
	{"tan", "#D2B48C", "#000000"},
	{"sand", "#C2B280", "#000000"},
	{"slate", "#708090", "#FFFFFF"},
	{"steel", "#4682B4", "#FFFFFF"},
}

// defaultColor is the gray shown for participants that hold no slot.
var defaultColor = Color{Name: "gray", Hex: "#808080", Text: "#FFFFFF"}
