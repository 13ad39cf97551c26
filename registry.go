package loom

import "fmt"

// registerName claims a global name for an actor ID. The caller has
// already validated the actor.
func (rt *Runtime) registerName(id ActorID, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidArgument)
	}
	if _, taken := rt.names[name]; taken {
		return fmt.Errorf("%w: name %q", ErrExists, name)
	}
	rt.names[name] = id

	return nil
}

// Register claims a global name for a live actor. One name per actor: a
// second registration for the same actor fails with ErrExists, as does a
// name already held by someone else. The name is released automatically
// when the actor dies.
func (rt *Runtime) Register(id ActorID, name string) error {
	a, err := rt.lookup(id)
	if err != nil {
		return err
	}
	if a.name != "" {
		return fmt.Errorf("%w: actor %d already registered as %q",
			ErrExists, id, a.name)
	}

	if err := rt.registerName(id, name); err != nil {
		return err
	}
	a.name = name

	return nil
}

// Unregister releases a name without touching the actor behind it.
func (rt *Runtime) Unregister(name string) error {
	id, ok := rt.names[name]
	if !ok {
		return fmt.Errorf("%w: name %q", ErrNotFound, name)
	}

	delete(rt.names, name)
	if a, err := rt.lookup(id); err == nil {
		a.name = ""
	}

	return nil
}

// Whereis resolves a registered name to its actor ID.
func (rt *Runtime) Whereis(name string) (ActorID, error) {
	id, ok := rt.names[name]
	if !ok {
		return InvalidActor, fmt.Errorf("%w: name %q", ErrNotFound,
			name)
	}

	return id, nil
}

// Register claims a global name for the calling actor.
func (c *ActorContext) Register(name string) error {
	return c.rt.Register(c.a.id, name)
}

// Whereis resolves a registered name from actor code.
func (c *ActorContext) Whereis(name string) (ActorID, error) {
	return c.rt.Whereis(name)
}
