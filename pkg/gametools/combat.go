package gametools

import (
	"context"
	"fmt"
	"strings"

	"github.com/jwebster45206/d20"

	"github.com/jwebster45206/phase-engine/pkg/state"
	"github.com/jwebster45206/phase-engine/pkg/tools"
)

// buildActor mirrors a combatant as a d20 actor so hit points and armour
// class follow the rules engine.
func buildActor(c state.Combatant) (*d20.Actor, error) {
	actor, err := d20.NewActor(c.Name).
		WithHP(c.MaxHP).
		WithAC(c.AC).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build actor: %w", err)
	}
	if c.HP > 0 && c.HP != c.MaxHP {
		if err := actor.SetHP(c.HP); err != nil {
			return nil, fmt.Errorf("failed to set HP: %w", err)
		}
	}
	return actor, nil
}

func (k *Toolkit) addCombatant() tools.Tool {
	return tools.Tool{
		Name:        "add_combatant",
		Description: "Add a participant to the current fight, or reset an existing one.",
		Parameters: schema(`{
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"hp": {"type": "integer", "minimum": 1},
				"ac": {"type": "integer", "minimum": 1}
			},
			"required": ["name", "hp", "ac"]
		}`),
		Handler: func(ctx context.Context, call tools.Call) (string, error) {
			var args struct {
				Name string `json:"name"`
				HP   int    `json:"hp"`
				AC   int    `json:"ac"`
			}
			if err := call.Decode(&args); err != nil {
				return "", err
			}
			if err := required("name", args.Name); err != nil {
				return "", err
			}
			if args.HP < 1 {
				return "", fmt.Errorf("hp must be at least 1")
			}
			c := state.Combatant{Name: strings.TrimSpace(args.Name), HP: args.HP, MaxHP: args.HP, AC: args.AC}
			actor, err := buildActor(c)
			if err != nil {
				return "", err
			}
			c.HP, c.MaxHP, c.AC = actor.HP(), actor.MaxHP(), actor.AC()

			return k.update(ctx, call.SessionID, func(gs *state.GameState) (string, error) {
				if i, ok := gs.Combatant(c.Name); ok {
					gs.Combatants[i] = c
				} else {
					gs.Combatants = append(gs.Combatants, c)
				}
				return fmt.Sprintf("%s joins the fight with %d HP and AC %d.", c.Name, c.HP, c.AC), nil
			})
		},
	}
}

func (k *Toolkit) applyDamage() tools.Tool {
	return tools.Tool{
		Name:        "apply_damage",
		Description: "Resolve an attack on a combatant. If attack_roll is given it must meet the target's AC to hit.",
		Parameters: schema(`{
			"type": "object",
			"properties": {
				"target": {"type": "string"},
				"amount": {"type": "integer", "minimum": 0},
				"attack_roll": {"type": "integer"}
			},
			"required": ["target", "amount"]
		}`),
		Handler: func(ctx context.Context, call tools.Call) (string, error) {
			var args struct {
				Target     string `json:"target"`
				Amount     int    `json:"amount"`
				AttackRoll *int   `json:"attack_roll"`
			}
			if err := call.Decode(&args); err != nil {
				return "", err
			}
			if err := required("target", args.Target); err != nil {
				return "", err
			}
			if args.Amount < 0 {
				return "", fmt.Errorf("amount cannot be negative")
			}

			return k.update(ctx, call.SessionID, func(gs *state.GameState) (string, error) {
				i, ok := gs.Combatant(args.Target)
				if !ok {
					return "", fmt.Errorf("%s is not in the fight", args.Target)
				}
				c := gs.Combatants[i]
				if c.Defeated() {
					return c.Name + " is already defeated.", nil
				}
				actor, err := buildActor(c)
				if err != nil {
					return "", err
				}
				if args.AttackRoll != nil && *args.AttackRoll < actor.AC() {
					return fmt.Sprintf("The attack misses %s (%d vs AC %d).", c.Name, *args.AttackRoll, actor.AC()), nil
				}

				remaining := actor.HP() - args.Amount
				if remaining <= 0 {
					gs.Combatants[i].HP = 0
					gs.RecordEvent(c.Name + " was defeated.")
					return c.Name + " is defeated.", nil
				}
				if err := actor.SetHP(remaining); err != nil {
					return "", fmt.Errorf("failed to set HP: %w", err)
				}
				gs.Combatants[i].HP = actor.HP()
				return fmt.Sprintf("%s takes %d damage (%d/%d HP).", c.Name, args.Amount, actor.HP(), actor.MaxHP()), nil
			})
		},
	}
}
