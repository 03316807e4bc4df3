package tools

import "math/rand/v2"

var firstNames = []string{"Иван", "Алексей", "Сергей", "Дмитрий", "Ольга", "Павел"}

var lastNames = []string{"Иванов", "Петров", "Сидоров", "Смирнов", "Кузнецов", "Васильев", "Морозов"}

// UserDataSpec describes the get_user_data stub.
var UserDataSpec = Spec{
	Name:        "get_user_data",
	Description: "Возвращает данные профиля пользователя (имя, возраст).",
	InputSchema: map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           map[string]any{},
	},
	OutputSchema: map[string]any{
		"type":                 "object",
		"additionalProperties": true,
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
			"age":  map[string]any{"type": "integer"},
		},
	},
}

// GetUserData is a stub profile lookup: a random Russian surname-name
// pair and an age between 18 and 120.
func GetUserData() map[string]any {
	name := lastNames[rand.IntN(len(lastNames))] + " " + firstNames[rand.IntN(len(firstNames))]
	return map[string]any{
		"name": name,
		"age":  18 + rand.IntN(103),
	}
}

// DefaultRegistry returns a registry with the built-in tools registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(UserDataSpec, GetUserData)
	return r
}
