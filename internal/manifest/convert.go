package manifest

func (doc *yamlWorkspace) toWorkspace(dir string) (*Workspace, error) {
	w := &Workspace{
		Name:     doc.Name,
		Env:      doc.Env,
		LogDir:   doc.LogDir,
		Services: make(map[string]*ServiceSpec, len(doc.Services)),
		dir:      dir,
	}

	for name, svc := range doc.Services {
		spec, err := svc.toServiceSpec(name)
		if err != nil {
			return nil, err
		}
		w.Services[name] = spec
	}

	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

func (svc *yamlService) toServiceSpec(name string) (*ServiceSpec, error) {
	deps := make([]Dependency, 0, len(svc.Dependencies))
	for _, d := range svc.Dependencies {
		deps = append(deps, Dependency{Target: d.Target, Condition: d.Condition})
	}

	policy := DefaultPolicy()
	if svc.Policy != nil {
		policy = Policy{
			Restart:      RestartKind(svc.Policy.Restart),
			MaxRestarts:  svc.Policy.MaxRestarts,
			RestartDelay: svc.Policy.RestartDelay,
			StopTimeout:  svc.Policy.StopTimeout,
		}
		if policy.Restart == "" {
			policy.Restart = RestartOnFailure
		}
		if policy.RestartDelay.Duration == 0 {
			policy.RestartDelay = DefaultPolicy().RestartDelay
		}
		if policy.StopTimeout.Duration == 0 {
			policy.StopTimeout = DefaultPolicy().StopTimeout
		}
	}

	var health *HealthCheck
	if svc.Health != nil {
		health = &HealthCheck{
			Type:               svc.Health.Type,
			Path:               svc.Health.Path,
			Port:               svc.Health.Port,
			Command:            svc.Health.Command,
			Interval:           svc.Health.Interval,
			Timeout:            svc.Health.Timeout,
			GracePeriod:        svc.Health.GracePeriod,
			UnhealthyThreshold: svc.Health.UnhealthyThreshold,
		}
		if health.UnhealthyThreshold == 0 {
			health.UnhealthyThreshold = 3
		}
	}

	return &ServiceSpec{
		Name: name,
		Execute: ExecuteSpec{
			Type:        svc.Execute.Type,
			Task:        svc.Execute.Task,
			Environment: svc.Execute.Environment,
			StopTask:    svc.Execute.StopTask,
			Package:     svc.Execute.Package,
			LaunchFile:  svc.Execute.LaunchFile,
			LaunchArgs:  svc.Execute.LaunchArgs,
			Command:     svc.Execute.Command,
			StopCommand: svc.Execute.StopCommand,
			WorkingDir:  svc.Execute.WorkingDir,
		},
		Dependencies: deps,
		Critical:     svc.Critical,
		GPU:          svc.GPU,
		Health:       health,
		Policy:       policy,
	}, nil
}
