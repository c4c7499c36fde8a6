package product

import "strings"

var characteristicKeys = map[string]string{
	"вес":                  "weight",
	"масса":                "weight",
	"mass":                 "weight",
	"размер":               "dimensions",
	"размеры":              "dimensions",
	"габариты":             "dimensions",
	"size":                 "dimensions",
	"длина":                "length",
	"ширина":               "width",
	"высота":               "height",
	"объем":                "volume",
	"объём":                "volume",
	"ёмкость":              "volume",
	"capacity":             "volume",
	"цвет":                 "color",
	"colour":               "color",
	"материал":             "material",
	"производитель":        "manufacturer",
	"бренд":                "manufacturer",
	"brand":                "manufacturer",
	"страна":               "country",
	"страна происхождения": "country",
	"country of origin":    "country",
	"артикул":              "sku",
	"код товара":           "sku",
	"article":              "sku",
	"модель":               "model",
}

// NormalizeCharacteristicKey maps localized characteristic names onto a shared vocabulary.
// Unknown keys are lowercased and trimmed of trailing colons.
func NormalizeCharacteristicKey(key string) string {
	k := strings.ToLower(strings.TrimSpace(strings.TrimRight(strings.TrimSpace(key), ":")))
	k = strings.Join(strings.Fields(k), " ")
	if mapped, ok := characteristicKeys[k]; ok {
		return mapped
	}
	return k
}

var (
	outOfStockMarkers = []string{"нет в наличии", "распродано", "out of stock", "sold out", "unavailable", "outofstock"}
	inStockMarkers    = []string{"в наличии", "есть", "available", "in stock", "instock", "на складе"}
)

// NormalizeAvailability classifies free-form stock text.
// Out-of-stock markers are checked first since they often contain the in-stock phrase.
func NormalizeAvailability(text string) Availability {
	lower := strings.ToLower(text)
	for _, marker := range outOfStockMarkers {
		if strings.Contains(lower, marker) {
			return AvailabilityOutOfStock
		}
	}
	for _, marker := range inStockMarkers {
		if strings.Contains(lower, marker) {
			return AvailabilityInStock
		}
	}
	return AvailabilityUnknown
}
