package transform

import (
	"maps"
	"strings"
)

// Dictionary maps a lowercase term to its synonyms
type Dictionary map[string][]string

// MergeDictionaries overlays user entries on the defaults; user entries win on key collision
func MergeDictionaries(defaults, user Dictionary) Dictionary {
	out := make(Dictionary, len(defaults)+len(user))
	for term, syns := range defaults {
		out[strings.ToLower(term)] = syns
	}
	for term, syns := range user {
		out[strings.ToLower(strings.TrimSpace(term))] = syns
	}
	return out
}

// DefaultDictionary is the built-in English and Russian vocabulary for product copy
func DefaultDictionary() Dictionary {
	return maps.Clone(defaultDictionary)
}

var defaultDictionary = Dictionary{
	"good":        {"great", "excellent", "solid", "quality"},
	"great":       {"excellent", "outstanding", "superb"},
	"beautiful":   {"attractive", "elegant", "stylish"},
	"big":         {"large", "spacious", "sizable"},
	"large":       {"big", "spacious", "roomy"},
	"small":       {"compact", "miniature", "petite"},
	"cheap":       {"affordable", "budget", "economical"},
	"expensive":   {"premium", "high-end", "upscale"},
	"new":         {"modern", "latest", "fresh"},
	"fast":        {"quick", "rapid", "speedy"},
	"easy":        {"simple", "effortless", "straightforward"},
	"useful":      {"practical", "handy", "functional"},
	"popular":     {"sought-after", "well-known", "in-demand"},
	"unique":      {"distinctive", "exclusive", "one-of-a-kind"},
	"reliable":    {"dependable", "durable", "robust"},
	"comfortable": {"ergonomic", "cozy", "convenient"},
	"powerful":    {"high-performance", "strong", "capable"},
	"quiet":       {"silent", "low-noise", "hushed"},

	"хороший":     {"отличный", "превосходный", "качественный"},
	"плохой":      {"слабый", "неудачный"},
	"красивый":    {"привлекательный", "эстетичный", "изящный"},
	"большой":     {"крупный", "вместительный", "просторный"},
	"маленький":   {"небольшой", "компактный", "миниатюрный"},
	"дорогой":     {"премиальный", "статусный"},
	"дешевый":     {"экономичный", "бюджетный", "недорогой"},
	"новый":       {"современный", "актуальный", "свежий"},
	"быстрый":     {"скоростной", "оперативный", "шустрый"},
	"легкий":      {"простой", "нетрудный"},
	"полезный":    {"практичный", "функциональный"},
	"популярный":  {"востребованный", "известный"},
	"уникальный":  {"эксклюзивный", "неповторимый", "особенный"},
	"надежный":    {"стабильный", "прочный", "долговечный"},
	"удобный":     {"комфортный", "эргономичный", "практичный"},
	"мощный":      {"производительный", "сильный"},
	"тихий":       {"бесшумный", "негромкий"},
	"современный": {"новый", "актуальный"},
}

// DefaultPreservedTerms are units, materials and specification words that are never rewritten
var DefaultPreservedTerms = []string{
	"mm", "cm", "m", "km", "g", "kg", "l", "ml", "w", "kw", "hz", "khz", "mhz", "ghz",
	"v", "a", "mah", "gb", "tb", "mb", "rpm", "dpi", "inch", "inches",
	"мм", "см", "м", "км", "г", "кг", "л", "мл", "вт", "квт", "гц", "кгц", "мгц", "ггц",
	"в", "а", "ом", "мач", "гб", "тб", "мб",
	"diameter", "length", "width", "height", "depth", "weight", "power", "voltage",
	"warranty", "model", "series", "article", "sku",
	"диаметр", "длина", "ширина", "высота", "глубина", "толщина", "объем", "вес",
	"мощность", "напряжение", "частота", "скорость", "давление", "температура",
	"сталь", "алюминий", "пластик", "стекло", "керамика", "силикон", "металл",
	"гарантия", "производитель", "модель", "артикул", "серия", "сертификат",
}
